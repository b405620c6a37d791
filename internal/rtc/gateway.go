// Package rtc bridges capture sessions to browser viewers over WebRTC.
// It owns one peer connection per viewer, answers SDP offers, feeds the
// session's H.264 access units into a local sample track, and releases
// the viewer's session reference when the connection ends.
package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/seliot/iris/internal/capture"
	"github.com/seliot/iris/internal/session"
)

// iceServers are the STUN servers offered to every peer connection so
// viewers outside the camera's LAN can negotiate a path.
var iceServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// Gateway negotiates viewer peer connections against a session registry.
type Gateway struct {
	log      *slog.Logger
	registry *session.Registry

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]struct{}
}

// NewGateway creates a Gateway. If log is nil, slog.Default() is used.
func NewGateway(registry *session.Registry, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		log:      log.With("component", "rtc"),
		registry: registry,
		peers:    make(map[*webrtc.PeerConnection]struct{}),
	}
}

// Connect attaches a new viewer: it acquires the camera session, builds
// a peer connection carrying the session's video, applies the remote
// offer, and returns the local answer once ICE gathering completes. The
// session reference is released exactly once when the connection
// disconnects, fails, or closes.
//
// Only H.264 sessions can be carried on the WebRTC track; re-encoding
// decoded pixels would need an external encoder, so other formats are
// rejected here and served over the HTTP fallback endpoints instead.
func (g *Gateway) Connect(ctx context.Context, camera string, cfg capture.Config, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if cfg.Format != capture.FormatH264 {
		return webrtc.SessionDescription{}, fmt.Errorf("webrtc transport requires h264, got %s", cfg.Format)
	}

	sess, err := g.registry.Acquire(camera, cfg)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("acquire camera %s: %w", camera, err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		g.registry.Release(camera)
		return webrtc.SessionDescription{}, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video", "iris",
	)
	if err == nil {
		_, err = pc.AddTrack(track)
	}
	if err != nil {
		pc.Close()
		g.registry.Release(camera)
		return webrtc.SessionDescription{}, fmt.Errorf("add video track: %w", err)
	}

	done := make(chan struct{})
	release := sync.OnceFunc(func() {
		close(done)
		g.mu.Lock()
		delete(g.peers, pc)
		g.mu.Unlock()
		pc.Close()
		g.registry.Release(camera)
		g.log.Info("viewer detached", "camera", camera)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		g.log.Info("peer connection state", "camera", camera, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			release()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		release()
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		release()
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		release()
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		release()
		return webrtc.SessionDescription{}, ctx.Err()
	}

	g.mu.Lock()
	g.peers[pc] = struct{}{}
	g.mu.Unlock()

	go g.writeSamples(sess, track, done)

	g.log.Info("viewer attached", "camera", camera,
		"width", cfg.Width, "height", cfg.Height, "fps", cfg.FPS)
	return *pc.LocalDescription(), nil
}

// writeSamples pumps access units from the session buffer into the
// viewer's track until the connection ends. An empty buffer is a normal
// pause, not an error; WebRTC tolerates gaps in sample delivery.
func (g *Gateway) writeSamples(sess *session.Session, track *webrtc.TrackLocalStaticSample, done <-chan struct{}) {
	frameDuration := time.Second / time.Duration(max(sess.Config().FPS, 1))

	for {
		select {
		case <-done:
			return
		default:
		}

		unit, ok := sess.Buffer().Pop(100 * time.Millisecond)
		if !ok {
			continue
		}
		if err := track.WriteSample(media.Sample{Data: unit, Duration: frameDuration}); err != nil {
			g.log.Debug("sample write failed", "error", err)
			return
		}
	}
}

// Peers returns the number of live viewer connections.
func (g *Gateway) Peers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers)
}

// Close tears down every live viewer connection, releasing their
// session references.
func (g *Gateway) Close() {
	g.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(g.peers))
	for pc := range g.peers {
		peers = append(peers, pc)
	}
	g.mu.Unlock()

	// Closing drives OnConnectionStateChange(Closed), which releases
	// each viewer's session reference.
	for _, pc := range peers {
		pc.Close()
	}
}
