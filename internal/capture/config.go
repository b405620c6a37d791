// Package capture owns the external camera subprocess: building its
// command line from a Config, launching it with stdout piped, probing
// liveness, and terminating it with escalation to SIGKILL.
package capture

import (
	"fmt"
	"strconv"
	"strings"
)

// Format identifies the bitstream the capture tool writes to stdout.
type Format int

// Supported capture output formats.
const (
	FormatMJPEG Format = iota // JPEG images delimited by SOI/EOI markers
	FormatH264                // H.264 Annex B byte stream
	FormatYUV420              // raw YUV 4:2:0 planar frames
)

func (f Format) String() string {
	switch f {
	case FormatMJPEG:
		return "mjpeg"
	case FormatH264:
		return "h264"
	case FormatYUV420:
		return "yuv420"
	default:
		return "unknown"
	}
}

// ParseFormat converts a wire-level format name into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "mjpeg", "jpeg":
		return FormatMJPEG, nil
	case "h264":
		return FormatH264, nil
	case "yuv420", "yuv420p", "yuv":
		return FormatYUV420, nil
	default:
		return 0, fmt.Errorf("unknown capture format %q", s)
	}
}

// Config holds the per-session capture parameters. It is fixed for the
// life of a session; changing resolution, frame rate, or format requires
// tearing the session down and starting a new subprocess.
type Config struct {
	Width  int
	Height int
	FPS    int

	Quality int // JPEG quality 1-100, MJPEG only
	Bitrate int // target bitrate in bits/s, H.264 only

	Sharpness  float64
	Contrast   float64
	Saturation float64
	Brightness float64
	Denoise    string

	Format Format
	Binary string // capture tool name, e.g. "rpicam-vid"
}

// DefaultConfig returns the capture defaults used when a viewer's offer
// carries no overrides.
func DefaultConfig() Config {
	return Config{
		Width:      640,
		Height:     480,
		FPS:        30,
		Quality:    80,
		Bitrate:    2_000_000,
		Sharpness:  1.0,
		Contrast:   1.0,
		Saturation: 1.0,
		Brightness: 0.0,
		Denoise:    "cdn_off",
		Format:     FormatMJPEG,
		Binary:     "rpicam-vid",
	}
}

// FrameSize returns the byte size of one raw frame for fixed-size
// formats, or 0 for delimited formats.
func (c Config) FrameSize() int {
	if c.Format != FormatYUV420 {
		return 0
	}
	return c.Width * c.Height * 3 / 2
}

// Args builds the capture tool's argument list. Every flag derives
// one-to-one from a Config field; the tool must write its bitstream to
// stdout and run until killed.
func (c Config) Args() []string {
	args := []string{
		"-t", "0", // run forever
		"-n", // no preview
		"--width", strconv.Itoa(c.Width),
		"--height", strconv.Itoa(c.Height),
		"--framerate", strconv.Itoa(c.FPS),
		"--codec", c.codecArg(),
	}

	switch c.Format {
	case FormatMJPEG:
		args = append(args, "--quality", strconv.Itoa(c.Quality))
	case FormatH264:
		args = append(args,
			"--bitrate", strconv.Itoa(c.Bitrate),
			"--profile", "baseline",
			"--inline", // repeat SPS/PPS before every IDR so late joiners can decode
		)
	}

	args = append(args,
		"--sharpness", formatFloat(c.Sharpness),
		"--contrast", formatFloat(c.Contrast),
		"--saturation", formatFloat(c.Saturation),
		"--brightness", formatFloat(c.Brightness),
	)
	if c.Denoise != "" {
		args = append(args, "--denoise", c.Denoise)
	}

	return append(args,
		"--awb", "auto",
		"--flush", // flush output after each frame rather than buffering
		"-o", "-",
	)
}

func (c Config) codecArg() string {
	switch c.Format {
	case FormatH264:
		return "h264"
	case FormatYUV420:
		return "yuv420"
	default:
		return "mjpeg"
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
