// Package web serves the signaling HTTP API: WebRTC offer/answer
// exchange, rotation control, MJPEG/snapshot fallbacks for formats the
// WebRTC track cannot carry, session listing, and the status websocket.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/seliot/iris/internal/capture"
	"github.com/seliot/iris/internal/session"
	"github.com/seliot/iris/internal/source"
)

// snapshotWait is how long /snapshot waits for the camera to produce a
// decodable frame before giving up.
const snapshotWait = 2 * time.Second

// ConnectFunc negotiates a WebRTC viewer against a camera session and
// returns the local answer. Implemented by rtc.Gateway.Connect.
type ConnectFunc func(ctx context.Context, camera string, cfg capture.Config, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

// ServerConfig holds the wiring for the signaling server.
type ServerConfig struct {
	Registry *session.Registry
	Connect  ConnectFunc
	Camera   string // camera name used for all requests
	Defaults capture.Config
	WebDir   string // static client files, served at /
	Log      *slog.Logger
}

// Server is the signaling HTTP server.
type Server struct {
	config ServerConfig
	log    *slog.Logger

	mu      sync.Mutex
	sources map[string]*source.Source
}

// NewServer creates a Server. It returns an error if required wiring is
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Registry == nil {
		return nil, errors.New("web: Registry is required")
	}
	if config.Connect == nil {
		return nil, errors.New("web: Connect is required")
	}
	if config.Camera == "" {
		config.Camera = "camera0"
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	return &Server{
		config:  config,
		log:     config.Log.With("component", "web"),
		sources: make(map[string]*source.Source),
	}, nil
}

// Handler returns the HTTP handler for all signaling routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /offer", s.handleOffer)
	mux.HandleFunc("POST /rotate", s.handleRotate)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /mjpeg", s.handleMJPEG)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /ws/status", s.handleStatusWS)

	if s.config.WebDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.WebDir)))
	}

	return corsMiddleware(mux)
}

// offerRequest is the signaling payload: an SDP offer plus optional
// capture parameter overrides.
type offerRequest struct {
	SDP     string `json:"sdp"`
	Type    string `json:"type"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	FPS     int    `json:"fps,omitempty"`
	Quality int    `json:"quality,omitempty"`
	Bitrate int    `json:"bitrate,omitempty"`
	Format  string `json:"format,omitempty"`
}

type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode offer: %w", err))
		return
	}
	if req.SDP == "" || req.Type != "offer" {
		writeError(w, http.StatusBadRequest, errors.New("body must carry an SDP offer"))
		return
	}

	cfg, err := s.captureConfig(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	answer, err := s.config.Connect(r.Context(), s.config.Camera, cfg,
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP})
	if err != nil {
		s.log.Error("offer failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, offerResponse{SDP: answer.SDP, Type: answer.Type.String()})
}

// captureConfig derives a session config from the server defaults and
// the viewer's overrides. WebRTC viewers default to H.264 since the
// track carries encoded access units.
func (s *Server) captureConfig(req offerRequest) (capture.Config, error) {
	cfg := s.config.Defaults
	cfg.Format = capture.FormatH264
	if req.Format != "" {
		f, err := capture.ParseFormat(req.Format)
		if err != nil {
			return capture.Config{}, err
		}
		cfg.Format = f
	}
	if req.Width > 0 {
		cfg.Width = req.Width
	}
	if req.Height > 0 {
		cfg.Height = req.Height
	}
	if req.FPS > 0 {
		cfg.FPS = req.FPS
	}
	if req.Quality > 0 {
		cfg.Quality = req.Quality
	}
	if req.Bitrate > 0 {
		cfg.Bitrate = req.Bitrate
	}
	return cfg, nil
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	src, ok := s.sourceFor(s.config.Camera)
	if !ok {
		writeError(w, http.StatusConflict, errors.New("camera has no active session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rotation": src.Rotate()})
}

// fallbackConfig is the capture config the read-only fallback endpoints
// acquire with. A live session is joined as it runs; imposing the server
// defaults would restart the subprocess under its attached viewers.
func (s *Server) fallbackConfig() capture.Config {
	if sess, ok := s.config.Registry.Get(s.config.Camera); ok && sess.State() != session.StateIdle {
		return sess.Config()
	}
	return s.config.Defaults
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, err := s.config.Registry.Acquire(s.config.Camera, s.fallbackConfig())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer s.config.Registry.Release(s.config.Camera)

	img, ok := s.sourceForSession(sess).Snapshot(r.Context(), snapshotWait)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("no frame available"))
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprint(buf.Len()))
	w.Write(buf.Bytes())
}

// handleMJPEG streams decoded frames as multipart JPEG, the fallback
// viewer path for sessions whose format the WebRTC track cannot carry.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	sess, err := s.config.Registry.Acquire(s.config.Camera, s.fallbackConfig())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer s.config.Registry.Release(s.config.Camera)

	src := s.sourceForSession(sess)
	interval := time.Second / time.Duration(max(sess.Config().FPS, 1))

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.WriteHeader(http.StatusOK)

	var buf bytes.Buffer
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, src.NextFrame(r.Context()), nil); err != nil {
			s.log.Debug("mjpeg encode failed", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", buf.Len()); err != nil {
			return
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Registry.List())
}

// sourceForSession returns the camera's Source, creating it on first
// use. Rotation state lives in the Source and survives session restarts.
func (s *Server) sourceForSession(sess *session.Session) *source.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sess.Name()]
	if !ok {
		src = source.New(sess, s.log)
		s.sources[sess.Name()] = src
	}
	return src
}

// sourceFor returns the camera's Source if its session exists.
func (s *Server) sourceFor(camera string) (*source.Source, bool) {
	s.mu.Lock()
	if src, ok := s.sources[camera]; ok {
		s.mu.Unlock()
		return src, true
	}
	s.mu.Unlock()

	sess, ok := s.config.Registry.Get(camera)
	if !ok {
		return nil, false
	}
	return s.sourceForSession(sess), true
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
