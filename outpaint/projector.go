package outpaint

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"iter"
	"math"

	"github.com/revelium/splatlab/splat"
)

// Projection constants. They shape the ring the border is wrapped onto.
const (
	SceneRadius    = 4.0
	DepthVariation = 2.0
	VerticalSpread = 3.0
	BaseDepth      = 5.0

	// AcceptScale multiplies Density in the random accept step.
	AcceptScale = 1.2
	// MinAlpha is the lowest alpha a sample may have and still be projected.
	MinAlpha = 128
)

// Source is a uniform random generator on [0, 1). *math/rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Options control the projector.
type Options struct {
	// ArcDegrees is the angular span of the generated ring, in (0, 360].
	ArcDegrees float64 `json:"arcDegrees"`
	// Density is the sampling density, in (0, 1].
	Density float64 `json:"density"`
	// MinBrightness drops samples darker than this, in [0, 255].
	MinBrightness float64 `json:"minBrightness"`
}

// DefaultOptions returns a half ring at density 0.4.
func DefaultOptions() Options {
	return Options{ArcDegrees: 180, Density: 0.4, MinBrightness: 15}
}

// Normalize validates o and clamps the values that have a natural ceiling.
func (o Options) Normalize() (Options, error) {
	if !finitePositive(o.ArcDegrees) {
		return o, fmt.Errorf("%w: arcDegrees=%v", ErrInvalidGeometry, o.ArcDegrees)
	}
	if !finitePositive(o.Density) {
		return o, fmt.Errorf("%w: density=%v", ErrInvalidGeometry, o.Density)
	}
	if math.IsNaN(o.MinBrightness) {
		return o, fmt.Errorf("%w: minBrightness is NaN", ErrInvalidGeometry)
	}
	o.ArcDegrees = math.Min(o.ArcDegrees, 360)
	o.Density = math.Min(o.Density, 1)
	o.MinBrightness = math.Max(0, math.Min(255, o.MinBrightness))
	return o, nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Stride is the grid step for a density: max(1, floor(4/density)).
func Stride(density float64) int {
	return max(1, int(math.Floor(4/density)))
}

// Sample is one pixel read from the outpainted image, non-premultiplied.
type Sample struct {
	X, Y       int
	R, G, B, A uint8
}

// Brightness is the mean of the color channels.
func (s Sample) Brightness() float64 {
	return (float64(s.R) + float64(s.G) + float64(s.B)) / 3
}

// Grid yields (x, y) on a step-spaced lattice over a w x h raster, rows first.
func Grid(w, h, step int) iter.Seq[image.Point] {
	return func(yield func(image.Point) bool) {
		for y := 0; y < h; y += step {
			for x := 0; x < w; x += step {
				if !yield(image.Point{X: x, Y: y}) {
					return
				}
			}
		}
	}
}

// Outside drops the points that fall inside bounds.
func Outside(seq iter.Seq[image.Point], bounds Rect) iter.Seq[image.Point] {
	return func(yield func(image.Point) bool) {
		for p := range seq {
			if bounds.Contains(float64(p.X), float64(p.Y)) {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// Samples reads each point from img. Points are relative to img.Bounds().Min.
func Samples(seq iter.Seq[image.Point], img image.Image) iter.Seq[Sample] {
	origin := img.Bounds().Min
	at := func(x, y int) color.NRGBA {
		return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	}
	if n, ok := img.(*image.NRGBA); ok {
		at = n.NRGBAAt
	}
	return func(yield func(Sample) bool) {
		for p := range seq {
			c := at(origin.X+p.X, origin.Y+p.Y)
			if !yield(Sample{X: p.X, Y: p.Y, R: c.R, G: c.G, B: c.B, A: c.A}) {
				return
			}
		}
	}
}

// Visible drops samples darker than minBrightness or with alpha below MinAlpha.
func Visible(seq iter.Seq[Sample], minBrightness float64) iter.Seq[Sample] {
	return func(yield func(Sample) bool) {
		for s := range seq {
			if s.Brightness() < minBrightness || s.A < MinAlpha {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Accept keeps a sample unless a draw from rnd exceeds density*AcceptScale.
// It draws exactly once per sample.
func Accept(seq iter.Seq[Sample], density float64, rnd Source) iter.Seq[Sample] {
	limit := density * AcceptScale
	return func(yield func(Sample) bool) {
		for s := range seq {
			if rnd.Float64() > limit {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Projection maps pixel positions on a w x h raster onto the ring.
type Projection struct {
	CX, CY  float64
	HalfArc float64
}

// NewProjection centers the projection on a w x h raster.
func NewProjection(w, h int, arcDegrees float64) Projection {
	return Projection{
		CX:      float64(w) / 2,
		CY:      float64(h) / 2,
		HalfArc: arcDegrees / 2 * math.Pi / 180,
	}
}

// Polar returns the normalized offsets of (x, y) from the center, the ring
// angle and the distance from center.
func (p Projection) Polar(x, y int) (nx, ny, angle, dist float64) {
	nx = (float64(x) - p.CX) / p.CX
	ny = (float64(y) - p.CY) / p.CY
	angle = nx * p.HalfArc
	dist = math.Sqrt(nx*nx + ny*ny)
	return nx, ny, angle, dist
}

// Splat projects one sample. It draws three values from rnd, in order: the
// x jitter, the y jitter and the size jitter.
func (p Projection) Splat(s Sample, rnd Source) splat.Splat {
	_, ny, angle, dist := p.Polar(s.X, s.Y)
	radius := SceneRadius + dist*DepthVariation*0.5

	posX := math.Sin(angle)*radius + uniform(rnd, -0.15, 0.15)
	posY := ny*VerticalSpread + uniform(rnd, -0.1, 0.1)
	posZ := BaseDepth + math.Cos(angle)*radius*0.3 + dist*DepthVariation

	b := s.Brightness() / 255
	size := SizeAt(b, dist) + uniform(rnd, 0, 0.01)
	opacity := OpacityAt(b, dist)

	return splat.Splat{
		Position: [3]float64{posX, posY, posZ},
		Color:    [3]float64{float64(s.R) / 255, float64(s.G) / 255, float64(s.B) / 255},
		Size:     size,
		Opacity:  opacity,
	}
}

// SizeAt is the splat size before jitter for a brightness in [0, 1].
func SizeAt(brightness, dist float64) float64 {
	return (0.015 + brightness*0.04) * (1 + dist*0.3)
}

// EdgeFalloff fades opacity away from the center.
func EdgeFalloff(dist float64) float64 {
	return 1 - dist*0.3
}

// OpacityAt is the splat opacity for a brightness in [0, 1], clamped to [0.2, 0.85].
func OpacityAt(brightness, dist float64) float64 {
	o := brightness*0.6*EdgeFalloff(dist) + 0.25
	return math.Max(0.2, math.Min(0.85, o))
}

func uniform(rnd Source, lo, hi float64) float64 {
	return lo + rnd.Float64()*(hi-lo)
}

var errNilSource = errors.New("nil random source")

// Project turns the border of an outpainted image into splats. source is the
// size of the view that was composited into img; the region it occupies is
// never sampled. The result is unordered and may be empty.
func Project(source image.Point, img image.Image, opts Options, rnd Source) ([]splat.Splat, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrRasterUnavailable
	}
	if rnd == nil {
		return nil, errNilSource
	}
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	size := img.Bounds().Size()
	bounds, err := OriginalBounds(source.X, source.Y, size.X, size.Y)
	if err != nil {
		return nil, err
	}

	proj := NewProjection(size.X, size.Y, opts.ArcDegrees)
	points := Outside(Grid(size.X, size.Y, Stride(opts.Density)), bounds)
	samples := Accept(Visible(Samples(points, img), opts.MinBrightness), opts.Density, rnd)

	out := []splat.Splat{}
	for s := range samples {
		out = append(out, proj.Splat(s, rnd))
	}
	return out, nil
}
