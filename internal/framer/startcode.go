package framer

import (
	"errors"
	"io"
	"log/slog"
)

// startCodeFramer extracts units from an H.264 Annex B byte stream. A
// unit spans from one start code (inclusive) to the next (exclusive);
// both 3-byte (00 00 01) and 4-byte (00 00 00 01) start codes are
// recognized. The trailing partial unit when the stream ends is still
// returned if it carries payload beyond the start code; a bare trailing
// start code holds no NAL data and is dropped.
type startCodeFramer struct {
	r   io.Reader
	buf []byte
	log *slog.Logger
}

func (f *startCodeFramer) ReadUnit() ([]byte, error) {
	for {
		start, scLen := findStartCode(f.buf, 0)
		if start > 0 {
			f.buf = f.buf[start:]
			start = 0
		} else if start < 0 {
			// No start code yet: keep a 3-byte tail in case one is
			// split across reads.
			if len(f.buf) > 3 {
				f.buf = f.buf[len(f.buf)-3:]
			}
		}

		if start == 0 && scLen > 0 {
			if next, _ := findStartCode(f.buf, scLen); next >= 0 {
				unit := clone(f.buf[:next])
				f.buf = f.buf[next:]
				return unit, nil
			}
			if len(f.buf) > maxUnitSize {
				f.log.Warn("oversized access unit discarded", "buffered", len(f.buf))
				f.buf = f.buf[scLen:]
				continue
			}
		}

		var err error
		f.buf, err = fill(f.r, f.buf)
		if err != nil {
			if errors.Is(err, io.EOF) && len(f.buf) > scLen && scLen > 0 {
				unit := clone(f.buf)
				f.buf = nil
				return unit, nil
			}
			return nil, err
		}
	}
}

// findStartCode returns the offset and length of the first Annex B start
// code at or after from, or (-1, 0) if none is present.
func findStartCode(data []byte, from int) (int, int) {
	for i := from; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i, 3
		}
		if data[i+2] == 0 && i+3 < len(data) && data[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}
