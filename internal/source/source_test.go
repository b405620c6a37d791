package source

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/seliot/iris/internal/capture"
	"github.com/seliot/iris/internal/session"
)

// newTestSource returns a Source over an idle session. Frames are pushed
// straight into the session's buffer; no capture process is involved.
func newTestSource(t *testing.T, cfg capture.Config) *Source {
	t.Helper()
	sess := session.New("cam", cfg, func(capture.Config) (session.Process, error) {
		return nil, errors.New("starter must not be called")
	}, nil)
	return New(sess, nil)
}

func mjpegConfig(w, h int) capture.Config {
	cfg := capture.DefaultConfig()
	cfg.Width, cfg.Height = w, h
	return cfg
}

func encodeSolidJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestNextFrameBlankOnEmptyBuffer(t *testing.T) {
	t.Parallel()

	src := newTestSource(t, mjpegConfig(32, 24))

	start := time.Now()
	img := src.NextFrame(context.Background())
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Errorf("empty-buffer pull took %v, want bounded by the pop timeout", elapsed)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("blank frame is %dx%d, want 32x24", b.Dx(), b.Dy())
	}
	if c := img.RGBAAt(16, 12); c.R != 0 || c.G != 0 || c.B != 0 {
		t.Errorf("blank frame pixel is %v, want black", c)
	}
}

func TestNextFrameDecodesBufferedJPEG(t *testing.T) {
	t.Parallel()

	cfg := mjpegConfig(16, 16)
	src := newTestSource(t, cfg)

	unit := encodeSolidJPEG(t, 16, 16, color.RGBA{R: 200, G: 30, B: 30, A: 255})
	src.sess.Buffer().Push(unit)

	img := src.NextFrame(context.Background())
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Fatalf("decoded frame is %dx%d, want 16x16", b.Dx(), b.Dy())
	}
	c := img.RGBAAt(8, 8)
	if c.R < 150 || c.G > 80 || c.B > 80 {
		t.Errorf("center pixel %v, want approximately solid red", c)
	}
}

func TestNextFrameDecodesYUV420(t *testing.T) {
	t.Parallel()

	cfg := capture.DefaultConfig()
	cfg.Format = capture.FormatYUV420
	cfg.Width, cfg.Height = 4, 4

	src := newTestSource(t, cfg)

	// Mid-gray: luma 0x80, neutral chroma 0x80.
	unit := bytes.Repeat([]byte{0x80}, cfg.FrameSize())
	src.sess.Buffer().Push(unit)

	img := src.NextFrame(context.Background())
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Fatalf("frame is %dx%d, want 4x4", b.Dx(), b.Dy())
	}
	c := img.RGBAAt(1, 1)
	if c.R < 100 || c.R > 160 || c.G < 100 || c.G > 160 || c.B < 100 || c.B > 160 {
		t.Errorf("pixel %v, want mid-gray", c)
	}
}

func TestRotateCyclesAndSwapsDimensions(t *testing.T) {
	t.Parallel()

	src := newTestSource(t, mjpegConfig(32, 24))

	if got := src.Rotate(); got != 90 {
		t.Fatalf("first Rotate: got %d, want 90", got)
	}
	img := src.NextFrame(context.Background())
	if b := img.Bounds(); b.Dx() != 24 || b.Dy() != 32 {
		t.Errorf("rotated blank frame is %dx%d, want 24x32", b.Dx(), b.Dy())
	}

	for _, want := range []int{180, 270, 0} {
		if got := src.Rotate(); got != want {
			t.Fatalf("Rotate: got %d, want %d", got, want)
		}
	}
	img = src.NextFrame(context.Background())
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("full cycle blank frame is %dx%d, want 32x24", b.Dx(), b.Dy())
	}
}

func TestRotateRGBAPixelMapping(t *testing.T) {
	t.Parallel()

	// 2x1 image: red at (0,0), blue at (1,0).
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	img.SetRGBA(0, 0, red)
	img.SetRGBA(1, 0, blue)

	r90 := rotateRGBA(img, 90)
	if b := r90.Bounds(); b.Dx() != 1 || b.Dy() != 2 {
		t.Fatalf("90: %dx%d, want 1x2", b.Dx(), b.Dy())
	}
	if r90.RGBAAt(0, 0) != red || r90.RGBAAt(0, 1) != blue {
		t.Error("90: pixel mapping wrong")
	}

	r180 := rotateRGBA(img, 180)
	if r180.RGBAAt(0, 0) != blue || r180.RGBAAt(1, 0) != red {
		t.Error("180: pixel mapping wrong")
	}

	r270 := rotateRGBA(img, 270)
	if b := r270.Bounds(); b.Dx() != 1 || b.Dy() != 2 {
		t.Fatalf("270: %dx%d, want 1x2", b.Dx(), b.Dy())
	}
	if r270.RGBAAt(0, 0) != blue || r270.RGBAAt(0, 1) != red {
		t.Error("270: pixel mapping wrong")
	}

	if got := rotateRGBA(img, 0); got != img {
		t.Error("0 degrees should return the image unchanged")
	}
}

func TestSnapshotReportsEmptyBuffer(t *testing.T) {
	t.Parallel()

	src := newTestSource(t, mjpegConfig(8, 8))

	if _, ok := src.Snapshot(context.Background(), 50*time.Millisecond); ok {
		t.Error("snapshot of an empty buffer must report failure")
	}
}

func TestSnapshotReturnsDecodedFrame(t *testing.T) {
	t.Parallel()

	src := newTestSource(t, mjpegConfig(8, 8))
	src.sess.Buffer().Push(encodeSolidJPEG(t, 8, 8, color.RGBA{G: 255, A: 255}))

	img, ok := src.Snapshot(context.Background(), time.Second)
	if !ok {
		t.Fatal("snapshot failed with a decodable frame buffered")
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Errorf("snapshot is %dx%d, want 8x8", b.Dx(), b.Dy())
	}
}

func TestSnapshotHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	src := newTestSource(t, mjpegConfig(8, 8))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := src.Snapshot(ctx, time.Second); ok {
		t.Error("snapshot with cancelled context must report failure")
	}
}
