// Package e2e provides end-to-end tests; this file encodes small real images for every
// format the decoder accepts.
package e2e

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
)

// EncodableExtensions lists the image formats that can be generated here. WebP is decode-only
// in golang.org/x/image, so it is not covered.
var EncodableExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp"}

// GradientImage returns a w x h image shading from base in the top-left corner to white.
func GradientImage(w, h int, base color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t := float64(x+y) / float64(w+h)
			img.Set(x, y, color.RGBA{
				R: mix(base.R, t),
				G: mix(base.G, t),
				B: mix(base.B, t),
				A: 255,
			})
		}
	}
	return img
}

func mix(c uint8, t float64) uint8 {
	return uint8(float64(c) + (255-float64(c))*t)
}

// EncodeImage encodes img in the format named by ext.
func EncodeImage(ext string, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch ext {
	case ".png":
		err = png.Encode(&buf, img)
	case ".jpg", ".jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case ".gif":
		err = gif.Encode(&buf, img, &gif.Options{NumColors: len(palette.Plan9)})
	case ".bmp":
		err = bmp.Encode(&buf, img)
	default:
		return nil, fmt.Errorf("no encoder for %s", ext)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var baseColors = []color.RGBA{
	{R: 220, G: 30, B: 30, A: 255},
	{R: 30, G: 160, B: 60, A: 255},
	{R: 30, G: 60, B: 200, A: 255},
	{R: 230, G: 200, B: 20, A: 255},
	{R: 120, G: 40, B: 160, A: 255},
}

// paletteColor returns a distinct base color for fixture i.
func paletteColor(i int) color.RGBA {
	return baseColors[i%len(baseColors)]
}
