// Package session coordinates one camera's capture subprocess, framer,
// and frame buffer across all of its concurrent viewers. A session is
// started once when the first viewer arrives, shared by every later
// viewer, restarted transparently when the subprocess dies, and torn
// down when the last viewer leaves.
package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seliot/iris/internal/capture"
	"github.com/seliot/iris/internal/framebuf"
	"github.com/seliot/iris/internal/framer"
)

// State is the lifecycle phase of a Session.
type State int

// Session lifecycle states. Transient subprocess death moves a running
// session through Restarting and back without leaving the running pair.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// restartBackoff throttles subprocess restarts so a camera that dies
// instantly on every launch cannot pin a core with a restart storm.
const restartBackoff = 75 * time.Millisecond

// bufferCapacity is the frame buffer depth. Kept minimal so viewers
// always see the freshest frame rather than a latency-adding backlog.
const bufferCapacity = 2

// Process is the supervisor-owned capture subprocess as seen by the
// reader loop: a byte source, a liveness probe, and a kill switch.
type Process interface {
	Output() io.Reader
	Alive() bool
	Stop()
}

// Starter launches a capture subprocess for the given config.
// *capture.Supervisor is adapted with a one-line closure:
//
//	session.Starter(func(cfg capture.Config) (session.Process, error) {
//		return sup.Start(cfg)
//	})
type Starter func(cfg capture.Config) (Process, error)

// Session is one camera's capture pipeline plus its viewer refcount.
type Session struct {
	name  string
	log   *slog.Logger
	start Starter
	buf   *framebuf.Buffer

	mu         sync.Mutex
	cfg        capture.Config
	state      State
	refs       int
	proc       Process
	stopCh     chan struct{}
	readerDone chan struct{}
	stopping   chan struct{} // non-nil while a stop is in flight, closed when it finishes
	startedAt  time.Time

	sf singleflight.Group

	framesRead atomic.Int64
	restarts   atomic.Int64
}

// New creates an idle Session. The capture process is not launched
// until the first Acquire. If log is nil, slog.Default() is used.
func New(name string, cfg capture.Config, start Starter, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		name:  name,
		log:   log.With("component", "session", "camera", name),
		start: start,
		cfg:   cfg,
		buf:   framebuf.New(bufferCapacity),
	}
}

// Name returns the session's camera name.
func (s *Session) Name() string { return s.name }

// Buffer returns the session's frame buffer. All viewers share it and
// observe the same frames.
func (s *Session) Buffer() *framebuf.Buffer { return s.buf }

// Config returns the capture parameters the session is running with.
func (s *Session) Config() capture.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Viewers returns the current viewer refcount.
func (s *Session) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// FramesRead returns the number of frame units read since the session
// was created.
func (s *Session) FramesRead() int64 { return s.framesRead.Load() }

// Restarts returns how many times the capture subprocess has been
// restarted after dying mid-stream.
func (s *Session) Restarts() int64 { return s.restarts.Load() }

// Uptime returns how long the current capture run has been live, or 0
// when idle.
func (s *Session) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Acquire registers a viewer. The first viewer triggers the capture
// start; concurrent callers during startup share the single in-flight
// start rather than racing to launch a second subprocess. A start
// failure is returned to every waiting caller and no viewer is attached.
func (s *Session) Acquire() error {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()

	if _, err, _ := s.sf.Do("start", s.ensureStarted); err != nil {
		s.mu.Lock()
		s.refs--
		s.mu.Unlock()
		return err
	}
	return nil
}

// Release deregisters a viewer. When the refcount reaches zero the
// subprocess is stopped, the reader loop joined, and the buffer cleared.
// Releasing an already-idle session is a no-op.
func (s *Session) Release() {
	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	if s.refs != 0 || s.state == StateIdle || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.stopCapture()
	s.log.Info("last viewer left, session stopped")
}

// Reconfigure stops a live capture run and starts it again with new
// parameters. Live reconfiguration is not supported by the capture
// tools, so a material parameter change is a full stop/start.
func (s *Session) Reconfigure(cfg capture.Config) error {
	s.mu.Lock()
	wasLive := s.state != StateIdle
	s.mu.Unlock()

	if wasLive {
		s.log.Info("capture parameters changed, restarting session",
			"width", cfg.Width, "height", cfg.Height, "fps", cfg.FPS, "format", cfg.Format.String())
		s.stopCapture()
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	if !wasLive {
		return nil
	}
	_, err, _ := s.sf.Do("start", s.ensureStarted)
	return err
}

// ensureStarted performs the expensive start path exactly once per idle
// period; it is only ever invoked through the singleflight group.
func (s *Session) ensureStarted() (any, error) {
	s.mu.Lock()
	for s.state == StateStopping {
		// An acquire that raced the last viewer's teardown must wait
		// for it to finish and then start fresh, not attach a viewer to
		// a session that settles at idle.
		wait := s.stopping
		s.mu.Unlock()
		<-wait
		s.mu.Lock()
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, nil
	}
	s.state = StateStarting
	cfg := s.cfg
	s.mu.Unlock()

	proc, err := s.start(cfg)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return nil, err
	}

	stopCh := make(chan struct{})
	readerDone := make(chan struct{})

	s.mu.Lock()
	if s.state != StateStarting {
		// A concurrent teardown won the race; the fresh process must
		// not outlive it.
		s.mu.Unlock()
		proc.Stop()
		return nil, nil
	}
	s.proc = proc
	s.stopCh = stopCh
	s.readerDone = readerDone
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.readLoop(proc, stopCh, readerDone)
	s.log.Info("session started",
		"width", cfg.Width, "height", cfg.Height, "fps", cfg.FPS, "format", cfg.Format.String())
	return nil, nil
}

// stopCapture tears down the live capture run: signal the reader loop,
// kill the subprocess (which unblocks any pipe read with EOF), join the
// loop, and drop buffered frames.
func (s *Session) stopCapture() {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	stopping := make(chan struct{})
	s.stopping = stopping
	proc := s.proc
	stopCh := s.stopCh
	readerDone := s.readerDone
	s.proc = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if proc != nil {
		proc.Stop()
	}
	if readerDone != nil {
		<-readerDone
	}
	s.buf.Clear()

	s.mu.Lock()
	s.state = StateIdle
	s.stopping = nil
	s.mu.Unlock()
	close(stopping)
}

// readLoop runs in its own goroutine for the life of the capture run.
// It frames the subprocess output into the buffer, and restarts the
// subprocess with backoff when it dies mid-stream.
func (s *Session) readLoop(proc Process, stopCh, done chan struct{}) {
	defer close(done)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	fr := framer.New(cfg.Format, proc.Output(), cfg, s.log)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if !proc.Alive() {
			next, ok := s.restartProcess(proc, stopCh)
			if !ok {
				return
			}
			if next == nil {
				continue // start failed, backoff already applied
			}
			proc = next
			fr = framer.New(cfg.Format, proc.Output(), cfg, s.log)
			continue
		}

		unit, err := fr.ReadUnit()
		if err != nil {
			// EOF or a short final frame: the process is exiting. Loop
			// back so the liveness check drives the restart path; the
			// backoff keeps this from spinning while exit is detected.
			if !errors.Is(err, io.EOF) && !errors.Is(err, framer.ErrIncompleteFrame) {
				s.log.Warn("frame read failed", "error", err)
			}
			select {
			case <-stopCh:
				return
			case <-time.After(restartBackoff):
			}
			continue
		}

		s.buf.Push(unit)
		s.framesRead.Add(1)
	}
}

// restartProcess replaces a dead subprocess. It returns (nil, true) when
// the start attempt failed and should be retried, and (nil, false) when
// the session is shutting down and the loop must exit.
func (s *Session) restartProcess(old Process, stopCh chan struct{}) (Process, bool) {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateRestarting {
		s.mu.Unlock()
		return nil, false
	}
	s.state = StateRestarting
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Warn("capture process died, restarting")
	old.Stop()

	select {
	case <-stopCh:
		return nil, false
	case <-time.After(restartBackoff):
	}

	proc, err := s.start(cfg)
	if err != nil {
		s.log.Warn("capture restart failed", "error", err)
		return nil, true
	}

	s.mu.Lock()
	if s.state != StateRestarting {
		// Shutdown raced the restart; the new process is ours to kill.
		s.mu.Unlock()
		proc.Stop()
		return nil, false
	}
	s.proc = proc
	s.state = StateRunning
	s.mu.Unlock()

	s.restarts.Add(1)
	s.log.Info("capture process restarted")
	return proc, true
}
