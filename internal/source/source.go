// Package source adapts a session's buffered frame units into pixel
// images for a transport track. Each pull returns the freshest buffered
// frame, decoded and rotated, or a black frame of the configured size
// when the buffer is empty — the track's pacing is never starved, and a
// pull that races session shutdown degrades to black rather than
// failing.
package source

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seliot/iris/internal/capture"
	"github.com/seliot/iris/internal/session"
)

// popTimeout bounds how long NextFrame waits for a buffered unit before
// falling back to a black frame.
const popTimeout = 60 * time.Millisecond

// Source pulls decoded frames for one camera session.
type Source struct {
	sess     *session.Session
	log      *slog.Logger
	rotation atomic.Int32 // degrees clockwise, multiple of 90
}

// New creates a Source over the given session. If log is nil,
// slog.Default() is used.
func New(sess *session.Session, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		sess: sess,
		log:  log.With("component", "source", "camera", sess.Name()),
	}
}

// Rotate advances the output orientation by 90 degrees and returns the
// new angle. The rotation applies to every subsequent NextFrame call.
func (s *Source) Rotate() int {
	for {
		old := s.rotation.Load()
		next := (old + 90) % 360
		if s.rotation.CompareAndSwap(old, next) {
			s.log.Info("rotation changed", "degrees", next)
			return int(next)
		}
	}
}

// Rotation returns the current orientation in degrees.
func (s *Source) Rotation() int { return int(s.rotation.Load()) }

// NextFrame returns the freshest buffered frame as RGBA pixels with the
// current rotation applied. On an empty buffer, a decode failure, a
// cancelled context, or a stopped session it returns a black frame of
// the configured resolution within the pop timeout.
func (s *Source) NextFrame(ctx context.Context) *image.RGBA {
	cfg := s.sess.Config()

	if ctx.Err() != nil {
		return s.blank(cfg)
	}

	unit, ok := s.sess.Buffer().Pop(popTimeout)
	if !ok {
		return s.blank(cfg)
	}

	img, err := s.decode(unit, cfg)
	if err != nil {
		s.log.Debug("frame decode failed", "error", err, "bytes", len(unit))
		return s.blank(cfg)
	}
	return rotateRGBA(toRGBA(img), s.Rotation())
}

// Snapshot waits up to wait for a decodable frame and returns it with
// the current rotation applied. Unlike NextFrame it reports failure
// instead of substituting a black frame, so callers can answer "camera
// produced nothing" honestly.
func (s *Source) Snapshot(ctx context.Context, wait time.Duration) (*image.RGBA, bool) {
	cfg := s.sess.Config()
	deadline := time.Now().Add(wait)
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		unit, ok := s.sess.Buffer().Pop(time.Until(deadline))
		if !ok {
			return nil, false
		}
		img, err := s.decode(unit, cfg)
		if err != nil {
			s.log.Debug("snapshot decode failed", "error", err)
			if time.Now().After(deadline) {
				return nil, false
			}
			continue
		}
		return rotateRGBA(toRGBA(img), s.Rotation()), true
	}
}

// decode converts one frame unit into an image. H.264 access units are
// not pixel-decoded here; that needs an external decoder, and H.264
// sessions are served as encoded samples by the transport layer instead.
func (s *Source) decode(unit []byte, cfg capture.Config) (image.Image, error) {
	switch cfg.Format {
	case capture.FormatYUV420:
		return yuv420Image(unit, cfg.Width, cfg.Height)
	case capture.FormatMJPEG:
		return jpeg.Decode(bytes.NewReader(unit))
	default:
		return nil, errNoPixelDecoder
	}
}

func (s *Source) blank(cfg capture.Config) *image.RGBA {
	w, h := cfg.Width, cfg.Height
	if r := s.Rotation(); r == 90 || r == 270 {
		w, h = h, w
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)
	return img
}
