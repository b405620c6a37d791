package source

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

var errNoPixelDecoder = errors.New("format has no built-in pixel decoder")

// yuv420Image wraps a raw YUV 4:2:0 planar frame as an image.YCbCr
// without copying plane data.
func yuv420Image(unit []byte, width, height int) (image.Image, error) {
	ySize := width * height
	cSize := (width / 2) * (height / 2)
	if len(unit) != ySize+2*cSize {
		return nil, fmt.Errorf("yuv420 frame is %d bytes, want %d", len(unit), ySize+2*cSize)
	}
	return &image.YCbCr{
		Y:              unit[:ySize],
		Cb:             unit[ySize : ySize+cSize],
		Cr:             unit[ySize+cSize:],
		YStride:        width,
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}, nil
}

// toRGBA converts any image to RGBA, avoiding a copy when it already is one.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// rotateRGBA returns img rotated clockwise by the given multiple of 90
// degrees. 0 (and any non-right-angle value) returns img unchanged.
func rotateRGBA(img *image.RGBA, degrees int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var out *image.RGBA
	switch degrees {
	case 90:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
	case 180:
		out = image.NewRGBA(image.Rect(0, 0, w, h))
	case 270:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
	default:
		return img
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			switch degrees {
			case 90:
				out.SetRGBA(h-1-y, x, c)
			case 180:
				out.SetRGBA(w-1-x, h-1-y, c)
			case 270:
				out.SetRGBA(y, w-1-x, c)
			}
		}
	}
	return out
}
