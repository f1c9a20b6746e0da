// Package outpaint places a rendered view inside a larger canvas, builds the
// generation mask for the border, and turns the generated border back into
// splats on a partial ring around the original scene.
//
// Everything here is pure: no I/O, no shared state. Every placement question
// is answered by OriginalBounds so the composite, the mask and the projector
// can never disagree about where the original content sits.
package outpaint

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidGeometry is returned for non-positive dimensions and
	// non-finite or non-positive options.
	ErrInvalidGeometry = errors.New("invalid geometry")
	// ErrRasterUnavailable is returned when an input image is nil or empty.
	ErrRasterUnavailable = errors.New("raster unavailable")
)

// InnerFraction is the side of the square the source is fitted into,
// relative to the shorter side of the target.
const InnerFraction = 0.6

// MaskPadding is how far the keep region is inset from the placement
// rectangle on every side.
const MaskPadding = 8

// Rect is a placement rectangle in target pixel space. Coordinates may be
// fractional.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Inset shrinks r by p on every side. A side that would go negative clamps
// to zero, leaving an empty rectangle.
func (r Rect) Inset(p float64) Rect {
	return Rect{
		X:      r.X + p,
		Y:      r.Y + p,
		Width:  math.Max(0, r.Width-2*p),
		Height: math.Max(0, r.Height-2*p),
	}
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Contains reports whether (x, y) is inside r. The lower edges are
// inclusive and the upper edges exclusive.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

func (r Rect) String() string {
	return fmt.Sprintf("{x:%g y:%g w:%g h:%g}", r.X, r.Y, r.Width, r.Height)
}

func checkDims(srcW, srcH, tgtW, tgtH int) error {
	if srcW <= 0 || srcH <= 0 {
		return fmt.Errorf("%w: source size %dx%d", ErrInvalidGeometry, srcW, srcH)
	}
	if tgtW <= 0 || tgtH <= 0 {
		return fmt.Errorf("%w: target size %dx%d", ErrInvalidGeometry, tgtW, tgtH)
	}
	return nil
}

// OriginalBounds returns where a srcW x srcH image lands when it is scaled
// uniformly into a square of side InnerFraction*min(tgtW, tgtH) and centered
// in a tgtW x tgtH canvas.
func OriginalBounds(srcW, srcH, tgtW, tgtH int) (Rect, error) {
	if err := checkDims(srcW, srcH, tgtW, tgtH); err != nil {
		return Rect{}, err
	}
	inner := InnerFraction * float64(min(tgtW, tgtH))
	scale := math.Min(inner/float64(srcW), inner/float64(srcH))
	w := float64(srcW) * scale
	h := float64(srcH) * scale
	return Rect{
		X:      (float64(tgtW) - w) / 2,
		Y:      (float64(tgtH) - h) / 2,
		Width:  w,
		Height: h,
	}, nil
}

// KeepRegion is the part of the target the inpainting model must leave
// untouched: OriginalBounds inset by MaskPadding.
func KeepRegion(srcW, srcH, tgtW, tgtH int) (Rect, error) {
	b, err := OriginalBounds(srcW, srcH, tgtW, tgtH)
	if err != nil {
		return Rect{}, err
	}
	return b.Inset(MaskPadding), nil
}
