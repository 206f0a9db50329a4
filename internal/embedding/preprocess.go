package embedding

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/hyperjump/miru/internal/models"
)

// CLIP pixel statistics.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// PreprocessImage decodes an image (jpeg, png, gif, bmp, webp), resizes the short side
// to size with Catmull-Rom, center-crops to size x size, and returns CHW float32 pixels
// normalized with the CLIP mean and std.
func PreprocessImage(data []byte, size int) ([]float32, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", models.ErrContentRejected, err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: image has no pixels", models.ErrContentRejected)
	}

	scaledW, scaledH := size, size
	if w < h {
		scaledH = (h*size + w/2) / w
	} else {
		scaledW = (w*size + h/2) / h
	}
	scaled := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, b, draw.Src, nil)

	x0 := (scaledW - size) / 2
	y0 := (scaledH - size) / 2
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := scaled.PixOffset(x0+x, y0+y)
			p := scaled.Pix[i : i+3 : i+3]
			for c := 0; c < 3; c++ {
				out[c*plane+y*size+x] = (float32(p[c])/255 - clipMean[c]) / clipStd[c]
			}
		}
	}
	return out, nil
}
