package capture

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stderrTailLimit bounds how much subprocess stderr is retained for
// failure diagnostics.
const stderrTailLimit = 8 << 10

// StartError reports a capture subprocess that failed to launch or
// exited during the liveness window, carrying whatever it wrote to
// stderr.
type StartError struct {
	Stderr string
	Err    error
}

func (e *StartError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("capture process failed to start: %v", e.Err)
	}
	return fmt.Sprintf("capture process failed to start: %v: %s", e.Err, msg)
}

func (e *StartError) Unwrap() error { return e.Err }

// Supervisor launches capture subprocesses and guarantees clean
// shutdown. The zero value is not usable; call NewSupervisor.
type Supervisor struct {
	log *slog.Logger

	// LivenessWait is how long Start watches a freshly spawned process
	// before declaring it healthy.
	LivenessWait time.Duration

	// StopTimeout is how long Stop waits after SIGTERM before
	// escalating to SIGKILL.
	StopTimeout time.Duration
}

// NewSupervisor creates a Supervisor. If log is nil, slog.Default() is used.
func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		log:          log.With("component", "capture"),
		LivenessWait: 200 * time.Millisecond,
		StopTimeout:  time.Second,
	}
}

// Start spawns the capture tool described by cfg with its stdout piped.
// If the process exits within the liveness window the captured stderr is
// returned inside a *StartError.
func (s *Supervisor) Start(cfg Config) (*Process, error) {
	return s.StartCommand(cfg.Binary, cfg.Args()...)
}

// StartCommand spawns an arbitrary command with the same supervision as
// Start. Exposed for capture tools whose flags Config cannot express.
func (s *Supervisor) StartCommand(name string, args ...string) (*Process, error) {
	cmd := exec.Command(name, args...)

	stderr := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}

	s.log.Info("starting capture process", "cmd", name, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, &StartError{Err: err}
	}

	p := &Process{
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		done:        make(chan struct{}),
		stopTimeout: s.StopTimeout,
		log:         s.log,
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	// Liveness window: a tool that is missing a camera or was given a
	// bad flag tends to exit immediately with a diagnostic on stderr.
	select {
	case <-p.done:
		stdout.Close()
		return nil, &StartError{Stderr: stderr.String(), Err: p.waitErr}
	case <-time.After(s.LivenessWait):
	}

	s.log.Info("capture process running", "pid", cmd.Process.Pid)
	return p, nil
}

// Process is one live capture subprocess. It is owned by the Supervisor
// that created it; callers read frames from Output and call Stop when done.
type Process struct {
	cmd         *exec.Cmd
	stdout      io.ReadCloser
	stderr      *tailBuffer
	done        chan struct{}
	waitErr     error
	stopOnce    sync.Once
	stopTimeout time.Duration
	log         *slog.Logger
}

// Output returns the subprocess stdout byte stream. Reads block until
// data arrives or the process exits, at which point they return EOF.
func (p *Process) Output() io.Reader { return p.stdout }

// Alive reports whether the subprocess is still running. Non-blocking.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stderr returns the retained tail of the subprocess stderr output.
func (p *Process) Stderr() string { return p.stderr.String() }

// Stop terminates the subprocess: SIGTERM, a bounded wait, then SIGKILL.
// Killing the process closes its stdout pipe, which unblocks any reader
// with EOF. Stop is idempotent and never returns an error.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
		default:
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				p.log.Debug("SIGTERM failed", "error", err)
			}
			select {
			case <-p.done:
			case <-time.After(p.stopTimeout):
				p.log.Warn("capture process ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
				_ = p.cmd.Process.Kill()
				<-p.done
			}
		}
		p.stdout.Close()
		p.log.Info("capture process stopped", "pid", p.cmd.Process.Pid)
	})
}

// tailBuffer retains the last limit bytes written to it. Safe for the
// single writer (the subprocess) plus concurrent readers.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
