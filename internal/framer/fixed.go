package framer

import (
	"errors"
	"io"
)

// fixedFramer emits exactly size bytes per unit, for raw formats where
// the frame length is computed from the configured geometry. A short
// final read is an error rather than a silently truncated frame.
type fixedFramer struct {
	r    io.Reader
	size int
	buf  []byte
}

func (f *fixedFramer) ReadUnit() ([]byte, error) {
	for len(f.buf) < f.size {
		var err error
		f.buf, err = fill(f.r, f.buf)
		if err != nil {
			if errors.Is(err, io.EOF) && len(f.buf) > 0 && len(f.buf) < f.size {
				f.buf = nil
				return nil, ErrIncompleteFrame
			}
			return nil, err
		}
	}
	unit := clone(f.buf[:f.size])
	f.buf = f.buf[f.size:]
	return unit, nil
}
