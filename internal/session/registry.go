package session

import (
	"log/slog"
	"sync"

	"github.com/seliot/iris/internal/capture"
)

// Info is the JSON-serializable summary of one session, returned by the
// sessions API and pushed over the status websocket.
type Info struct {
	Camera     string `json:"camera"`
	State      string `json:"state"`
	Viewers    int    `json:"viewers"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FPS        int    `json:"fps"`
	Format     string `json:"format"`
	FramesRead int64  `json:"framesRead"`
	Restarts   int64  `json:"restarts"`
	UptimeMs   int64  `json:"uptimeMs"`
}

// Registry tracks one Session per camera and drives their lifecycles
// from viewer arrivals and departures.
type Registry struct {
	log   *slog.Logger
	start Starter

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry that launches capture subprocesses via
// start. If log is nil, slog.Default() is used.
func NewRegistry(start Starter, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		start:    start,
		sessions: make(map[string]*Session),
	}
}

// Acquire attaches a viewer to the named camera's session, creating the
// session on first use. A viewer requesting materially different capture
// parameters forces a full stop/start with the new config before the
// viewer is attached. The returned session is live on success.
func (r *Registry) Acquire(name string, cfg capture.Config) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if !ok {
		s = New(name, cfg, r.start, r.log)
		r.sessions[name] = s
	}
	r.mu.Unlock()

	if ok && materiallyDifferent(s.Config(), cfg) {
		if err := s.Reconfigure(cfg); err != nil {
			return nil, err
		}
	}

	if err := s.Acquire(); err != nil {
		return nil, err
	}
	return s, nil
}

// Release detaches one viewer from the named camera's session. Unknown
// names are ignored.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	s, ok := r.sessions[name]
	r.mu.Unlock()
	if ok {
		s.Release()
	}
}

// Get returns the named session, or false if it has never been acquired.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// List returns a snapshot of every known session.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		cfg := s.Config()
		infos[i] = Info{
			Camera:     s.Name(),
			State:      s.State().String(),
			Viewers:    s.Viewers(),
			Width:      cfg.Width,
			Height:     cfg.Height,
			FPS:        cfg.FPS,
			Format:     cfg.Format.String(),
			FramesRead: s.FramesRead(),
			Restarts:   s.Restarts(),
			UptimeMs:   s.Uptime().Milliseconds(),
		}
	}
	return infos
}

// materiallyDifferent reports whether a viewer's requested parameters
// require a subprocess restart. Tuning knobs like quality and brightness
// do not; geometry, rate, and bitstream format do.
func materiallyDifferent(running, requested capture.Config) bool {
	return running.Width != requested.Width ||
		running.Height != requested.Height ||
		running.FPS != requested.FPS ||
		running.Format != requested.Format
}
