// Package framer splits the capture subprocess's continuous stdout byte
// stream into discrete frame units: JPEG images, H.264 access units, or
// fixed-size raw frames. Framers tolerate arbitrary read chunking and
// resynchronize after corrupt or truncated units.
package framer

import (
	"errors"
	"io"
	"log/slog"

	"github.com/seliot/iris/internal/capture"
)

// ErrIncompleteFrame is returned by the fixed-size framer when the
// stream ends partway through a frame. Callers treat it like stream end.
var ErrIncompleteFrame = errors.New("incomplete frame at end of stream")

// maxUnitSize bounds how many bytes a delimited framer accumulates while
// looking for a unit boundary. A corrupt stream that never terminates a
// unit is discarded past this point and the framer resynchronizes.
const maxUnitSize = 1 << 20

// readChunkSize is the transfer size for reads from the subprocess pipe.
const readChunkSize = 32 << 10

// A Framer extracts one frame unit per call from an underlying byte
// stream. ReadUnit blocks until a complete unit is available or the
// stream ends; the returned slice is owned by the caller.
type Framer interface {
	ReadUnit() ([]byte, error)
}

// New selects the framing strategy for the given format. The choice is
// made once per session; cfg supplies the frame geometry for fixed-size
// formats. If log is nil, slog.Default() is used.
func New(format capture.Format, r io.Reader, cfg capture.Config, log *slog.Logger) Framer {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "framer", "format", format.String())

	switch format {
	case capture.FormatH264:
		return &startCodeFramer{r: r, log: log}
	case capture.FormatYUV420:
		return &fixedFramer{r: r, size: cfg.FrameSize()}
	default:
		return &markerFramer{r: r, log: log}
	}
}

// fill reads more data from r into buf, treating a 0-byte read with no
// error as "no data right now" rather than end of stream.
func fill(r io.Reader, buf []byte) ([]byte, error) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			return append(buf, chunk[:n]...), nil
		}
		if err != nil {
			return buf, err
		}
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
