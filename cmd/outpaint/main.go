// Command outpaint runs the outpaint pipeline stages on local files.
//
//	outpaint prepare --in view.png --width 1024 --height 1024 --composite c.png --mask m.png
//	outpaint project --in outpainted.png --source-width 512 --source-height 512 --out splats.ply
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"os"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/revelium/splatlab/outpaint"
	"github.com/revelium/splatlab/splat"
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: outpaint <prepare|project> [flags]")
		return 2
	}
	var err error
	switch args[0] {
	case "prepare":
		err = prepare(args[1:], stdout, stderr)
	case "project":
		err = project(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		return 2
	}
	if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "outpaint %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func prepare(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("prepare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	inPath := fs.String("in", "", "rendered view (PNG/JPEG/WEBP/GIF)")
	width := fs.Int("width", 1024, "target canvas width")
	height := fs.Int("height", 1024, "target canvas height")
	compositePath := fs.String("composite", "composite.png", "output canvas PNG")
	maskPath := fs.String("mask", "mask.png", "output mask PNG (white = generate)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		fmt.Fprintln(stderr, "usage: outpaint prepare --in <view> [--width 1024 --height 1024 --composite c.png --mask m.png]")
		return errUsage
	}

	src, err := loadImage(*inPath)
	if err != nil {
		return fmt.Errorf("failed to load view: %w", err)
	}
	canvas, bounds, err := outpaint.Composite(src, *width, *height)
	if err != nil {
		return err
	}
	size := src.Bounds().Size()
	mask, err := outpaint.Mask(size.X, size.Y, *width, *height)
	if err != nil {
		return err
	}
	if err := savePNG(*compositePath, canvas); err != nil {
		return err
	}
	if err := savePNG(*maskPath, mask); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s and %s (%dx%d -> %dx%d, placed at %.0f,%.0f %.0fx%.0f)\n",
		*compositePath, *maskPath, size.X, size.Y, *width, *height,
		bounds.X, bounds.Y, bounds.Width, bounds.Height)
	return nil
}

func project(args []string, stdout, stderr io.Writer) error {
	def := outpaint.DefaultOptions()
	fs := flag.NewFlagSet("project", flag.ContinueOnError)
	fs.SetOutput(stderr)
	inPath := fs.String("in", "", "outpainted image")
	srcW := fs.Int("source-width", 0, "width of the view that was composited")
	srcH := fs.Int("source-height", 0, "height of the view that was composited")
	outPath := fs.String("out", "splats.ply", "output PLY path")
	arc := fs.Float64("arc", def.ArcDegrees, "ring span in degrees, (0, 360]")
	density := fs.Float64("density", def.Density, "sampling density, (0, 1]")
	minBrightness := fs.Float64("min-brightness", def.MinBrightness, "skip samples darker than this, [0, 255]")
	seed := fs.Int64("seed", 0, "random seed (0 picks one from the clock)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" || *srcW <= 0 || *srcH <= 0 {
		fmt.Fprintln(stderr, "usage: outpaint project --in <image> --source-width W --source-height H [--out splats.ply]")
		return errUsage
	}

	img, err := loadImage(*inPath)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	opts := outpaint.Options{ArcDegrees: *arc, Density: *density, MinBrightness: *minBrightness}
	splats, err := outpaint.Project(image.Pt(*srcW, *srcH), img, opts, rand.New(rand.NewSource(*seed)))
	if err != nil {
		return err
	}

	f, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	if err := splat.WritePLY(f, splats); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s (%d splats, seed %d)\n", *outPath, len(splats), *seed)
	return nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
