package framer

import (
	"bytes"
	"io"
	"log/slog"
)

var (
	jpegSOI = []byte{0xFF, 0xD8} // start of image
	jpegEOI = []byte{0xFF, 0xD9} // end of image
)

// markerFramer extracts JPEG images from an MJPEG stream by scanning for
// SOI/EOI marker pairs. Bytes before the first SOI are discarded, and an
// image that exceeds maxUnitSize without an EOI is dropped so a corrupt
// stream cannot grow the buffer without bound.
type markerFramer struct {
	r   io.Reader
	buf []byte
	log *slog.Logger
}

func (f *markerFramer) ReadUnit() ([]byte, error) {
	for {
		// Resync: drop anything before the start marker. A marker split
		// across reads is handled by keeping a trailing 0xFF.
		if start := bytes.Index(f.buf, jpegSOI); start > 0 {
			f.buf = f.buf[start:]
		} else if start < 0 {
			if n := len(f.buf); n > 0 && f.buf[n-1] == 0xFF {
				f.buf = f.buf[n-1:]
			} else {
				f.buf = f.buf[:0]
			}
		}

		if bytes.HasPrefix(f.buf, jpegSOI) {
			// Only search for the end marker within the size bound; an
			// end marker past it belongs to a later image, not this one.
			window := f.buf
			if len(window) > maxUnitSize {
				window = window[:maxUnitSize]
			}
			if end := bytes.Index(window[len(jpegSOI):], jpegEOI); end >= 0 {
				cut := len(jpegSOI) + end + len(jpegEOI)
				unit := clone(f.buf[:cut])
				f.buf = f.buf[cut:]
				return unit, nil
			}
			if len(f.buf) > maxUnitSize {
				// No end marker within the size bound: the unit is
				// corrupt. Drop its start marker and resync.
				f.log.Warn("oversized JPEG unit discarded", "buffered", len(f.buf))
				f.buf = f.buf[len(jpegSOI):]
				continue
			}
		}

		var err error
		f.buf, err = fill(f.r, f.buf)
		if err != nil {
			return nil, err
		}
	}
}
