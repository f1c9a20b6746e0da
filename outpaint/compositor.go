package outpaint

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Background fills every target pixel the source does not cover. The
// inpainting model treats it as "to be generated".
var Background = color.RGBA{0, 0, 0, 255}

// Composite draws src, scaled to fit and centered, on an opaque black canvas
// of tgtW x tgtH. It returns the canvas and the placement rectangle used.
func Composite(src image.Image, tgtW, tgtH int) (*image.RGBA, Rect, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, Rect{}, ErrRasterUnavailable
	}
	sb := src.Bounds()
	b, err := OriginalBounds(sb.Dx(), sb.Dy(), tgtW, tgtH)
	if err != nil {
		return nil, Rect{}, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, tgtW, tgtH))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: Background}, image.Point{}, draw.Src)

	scale := b.Width / float64(sb.Dx())
	s2d := f64.Aff3{
		scale, 0, b.X - scale*float64(sb.Min.X),
		0, scale, b.Y - scale*float64(sb.Min.Y),
	}
	draw.CatmullRom.Transform(dst, s2d, src, sb, draw.Over, nil)
	return dst, b, nil
}
