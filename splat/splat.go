// Package splat holds the Gaussian splat value record shared by the projector,
// the PLY codec and the scene store.
package splat

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSplat is returned by Validate for out-of-range values.
var ErrInvalidSplat = errors.New("invalid splat")

// Splat is a single isotropic Gaussian: a position, a linear RGB color in
// [0,1], a world-space size and an opacity in [0,1].
type Splat struct {
	Position [3]float64 `json:"position"`
	Color    [3]float64 `json:"color"`
	Size     float64    `json:"size"`
	Opacity  float64    `json:"opacity"`
}

// Validate reports whether every field is finite and inside its documented range.
func (s Splat) Validate() error {
	for i, v := range s.Position {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: position[%d] is not finite", ErrInvalidSplat, i)
		}
	}
	for i, c := range s.Color {
		if !(c >= 0 && c <= 1) {
			return fmt.Errorf("%w: color[%d]=%v outside [0,1]", ErrInvalidSplat, i, c)
		}
	}
	if !(s.Size > 0) || math.IsInf(s.Size, 0) {
		return fmt.Errorf("%w: size=%v must be positive", ErrInvalidSplat, s.Size)
	}
	if !(s.Opacity >= 0 && s.Opacity <= 1) {
		return fmt.Errorf("%w: opacity=%v outside [0,1]", ErrInvalidSplat, s.Opacity)
	}
	return nil
}
