package outpaint

import (
	"image"
	"math"
)

const (
	// MaskGenerate marks pixels the inpainting model should fill.
	MaskGenerate = 255
	// MaskKeep marks pixels it should leave alone.
	MaskKeep = 0
)

// Mask builds the tgtW x tgtH generation mask for a srcW x srcH view. A pixel
// is kept when its center lies inside KeepRegion.
func Mask(srcW, srcH, tgtW, tgtH int) (*image.Gray, error) {
	keep, err := KeepRegion(srcW, srcH, tgtW, tgtH)
	if err != nil {
		return nil, err
	}

	m := image.NewGray(image.Rect(0, 0, tgtW, tgtH))
	for i := range m.Pix {
		m.Pix[i] = MaskGenerate
	}
	if keep.Empty() {
		return m, nil
	}

	r := pixelSpan(keep).Intersect(m.Rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := m.Pix[y*m.Stride : y*m.Stride+tgtW]
		for x := r.Min.X; x < r.Max.X; x++ {
			row[x] = MaskKeep
		}
	}
	return m, nil
}

// pixelSpan returns the integer pixels whose centers fall inside r, using the
// same inclusive-lower, exclusive-upper rule as Rect.Contains.
func pixelSpan(r Rect) image.Rectangle {
	return image.Rect(
		int(math.Ceil(r.X-0.5)),
		int(math.Ceil(r.Y-0.5)),
		int(math.Ceil(r.X+r.Width-0.5)),
		int(math.Ceil(r.Y+r.Height-0.5)),
	)
}
