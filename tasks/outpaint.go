package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/revelium/splatlab/downloads"
	"github.com/revelium/splatlab/inference"
	"github.com/revelium/splatlab/jobqueue"
	"github.com/revelium/splatlab/outpaint"
	"github.com/revelium/splatlab/scenes"
	"github.com/revelium/splatlab/splat"
	"github.com/revelium/splatlab/storage"
)

// OutpaintInput is the payload of an outpaint job. ViewKey names the stored
// rendered view. When MaskKey is set the view is taken as an already
// composited canvas and only SourceWidth/SourceHeight locate the original
// content; projection is skipped if they are zero.
type OutpaintInput struct {
	SceneID        string   `json:"sceneId,omitempty"`
	ViewKey        string   `json:"viewKey"`
	MaskKey        string   `json:"maskKey,omitempty"`
	SourceWidth    int      `json:"sourceWidth,omitempty"`
	SourceHeight   int      `json:"sourceHeight,omitempty"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negativePrompt,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	ArcDegrees     float64  `json:"arcDegrees,omitempty"`
	Density        float64  `json:"density,omitempty"`
	MinBrightness  *float64 `json:"minBrightness,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
	Merge          bool     `json:"merge,omitempty"`
}

// OutpaintResult is stored on a completed outpaint job.
type OutpaintResult struct {
	ExtensionID  string        `json:"extensionId,omitempty"`
	OutpaintKey  string        `json:"outpaintKey"`
	OutpaintURL  string        `json:"outpaintUrl"`
	CompositeKey string        `json:"compositeKey,omitempty"`
	MaskKey      string        `json:"maskKey"`
	Bounds       outpaint.Rect `json:"bounds"`
	SplatsKey    string        `json:"splatsKey,omitempty"`
	SplatsURL    string        `json:"splatsUrl,omitempty"`
	SplatCount   int           `json:"splatCount"`
	MergedKey    string        `json:"mergedKey,omitempty"`
	MergedURL    string        `json:"mergedUrl,omitempty"`
	Seed         int64         `json:"seed"`
}

// ArtifactKey names one file produced by an outpaint job.
func ArtifactKey(jobID, name string) string {
	return storage.Key("outpaint", jobID, name)
}

// withDefaults fills unset fields from the configured outpaint defaults. An
// explicit MinBrightness of 0 is kept.
func (in OutpaintInput) withDefaults(env *Env) OutpaintInput {
	d := env.Config.Outpaint
	if in.Width <= 0 {
		in.Width = d.Width
	}
	if in.Height <= 0 {
		in.Height = d.Height
	}
	if in.ArcDegrees == 0 {
		in.ArcDegrees = d.ArcDegrees
	}
	if in.Density == 0 {
		in.Density = d.Density
	}
	if in.MinBrightness == nil {
		v := d.MinBrightness
		in.MinBrightness = &v
	}
	if in.NegativePrompt == "" {
		in.NegativePrompt = env.Config.Replicate.NegativePrompt
	}
	return in
}

func outpaintTask(ctx context.Context, env *Env, j *jobqueue.Job, q *jobqueue.Queue) error {
	var in OutpaintInput
	if err := json.Unmarshal([]byte(j.Input), &in); err != nil {
		return fmt.Errorf("invalid outpaint input: %w", err)
	}
	return runOutpaint(ctx, env, j, q, in.withDefaults(env))
}

// extendTask outpaints a scene's own source photo and merges the new
// splats into the scene.
func extendTask(ctx context.Context, env *Env, j *jobqueue.Job, q *jobqueue.Queue) error {
	var in OutpaintInput
	if err := json.Unmarshal([]byte(j.Input), &in); err != nil {
		return fmt.Errorf("invalid extend input: %w", err)
	}
	if in.SceneID == "" {
		return errors.New("extend requires a scene")
	}
	scene, err := scenes.GetScene(ctx, env.DB, in.SceneID)
	if err != nil {
		return err
	}
	if scene.Status != scenes.StatusCompleted {
		return fmt.Errorf("scene %s is %s", scene.ID, scene.Status)
	}
	in.ViewKey = scene.SourceKey
	in.MaskKey = ""
	in.Merge = true
	return runOutpaint(ctx, env, j, q, in.withDefaults(env))
}

type prepared struct {
	canvas []byte
	mask   []byte
	bounds outpaint.Rect
	source image.Point
}

// prepare builds the canvas and mask PNGs for the inpainting backend.
func prepare(ctx context.Context, env *Env, in OutpaintInput, view image.Image, viewPNG []byte) (*prepared, error) {
	if in.MaskKey != "" {
		mask, _, err := env.Store.Get(ctx, in.MaskKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load mask: %w", err)
		}
		p := &prepared{canvas: viewPNG, mask: mask}
		if in.SourceWidth > 0 && in.SourceHeight > 0 {
			size := view.Bounds().Size()
			b, err := outpaint.OriginalBounds(in.SourceWidth, in.SourceHeight, size.X, size.Y)
			if err != nil {
				return nil, err
			}
			p.bounds = b
			p.source = image.Pt(in.SourceWidth, in.SourceHeight)
		}
		return p, nil
	}

	src := view.Bounds().Size()
	p := &prepared{source: src}
	g := new(errgroup.Group)
	g.Go(func() error {
		canvas, bounds, err := outpaint.Composite(view, in.Width, in.Height)
		if err != nil {
			return err
		}
		p.bounds = bounds
		p.canvas, err = encodePNG(canvas)
		return err
	})
	g.Go(func() error {
		mask, err := outpaint.Mask(src.X, src.Y, in.Width, in.Height)
		if err != nil {
			return err
		}
		p.mask, err = encodePNG(mask)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return p, nil
}

func runOutpaint(ctx context.Context, env *Env, j *jobqueue.Job, q *jobqueue.Queue, in OutpaintInput) error {
	if !env.Replicate.Configured() {
		return fmt.Errorf("replicate: %w", inference.ErrNotConfigured)
	}

	viewPNG, _, err := env.Store.Get(ctx, in.ViewKey)
	if err != nil {
		return fmt.Errorf("failed to load view: %w", err)
	}
	view, err := decodeImage(viewPNG)
	if err != nil {
		return err
	}

	p, err := prepare(ctx, env, in, view, viewPNG)
	if err != nil {
		return err
	}
	target := image.Pt(in.Width, in.Height)
	if in.MaskKey != "" {
		target = view.Bounds().Size()
	}

	res := OutpaintResult{Bounds: p.bounds, MaskKey: in.MaskKey}
	if in.MaskKey == "" {
		res.CompositeKey = ArtifactKey(j.ID, "composite.png")
		res.MaskKey = ArtifactKey(j.ID, "mask.png")
		if err := env.Store.Put(ctx, res.CompositeKey, p.canvas, "image/png"); err != nil {
			return err
		}
		if err := env.Store.Put(ctx, res.MaskKey, p.mask, "image/png"); err != nil {
			return err
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("Placed view at %s on a %dx%d canvas", p.bounds, in.Width, in.Height))
	}

	q.PushJobStdout(j.ID, "Requesting inpainting")
	url, err := env.Replicate.Inpaint(ctx, inference.InpaintRequest{
		Prompt:         in.Prompt,
		NegativePrompt: in.NegativePrompt,
		Image:          p.canvas,
		Mask:           p.mask,
	}, func(attempt int, status string) {
		if attempt%5 == 0 {
			q.PushJobStdout(j.ID, fmt.Sprintf("Poll %d: %s", attempt, status))
		}
	})
	if err != nil {
		return err
	}

	var fetched int64
	outData, err := env.Fetcher.FetchWithRetry(ctx, url, func(downloaded, _ int64) { fetched = downloaded })
	if err != nil {
		return fmt.Errorf("failed to download outpainted image: %w", err)
	}
	q.PushJobStdout(j.ID, "Downloaded outpainted image ("+downloads.FormatBytes(fetched)+")")
	out, err := decodeImage(outData)
	if err != nil {
		return err
	}
	if got := out.Bounds().Size(); got != target {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrSizeMismatch, got.X, got.Y, target.X, target.Y)
	}
	// the stored artifact is always PNG whatever the backend returned
	if outData, err = encodePNG(out); err != nil {
		return err
	}
	res.OutpaintKey = ArtifactKey(j.ID, "outpaint.png")
	res.OutpaintURL = env.Store.URL(res.OutpaintKey)
	if err := env.Store.Put(ctx, res.OutpaintKey, outData, "image/png"); err != nil {
		return err
	}

	if p.source != (image.Point{}) {
		if err := projectSplats(ctx, env, j, q, in, p.source, out, &res); err != nil {
			return err
		}
	} else {
		q.PushJobStdout(j.ID, "No source size given, skipping splat projection")
	}

	if in.SceneID != "" {
		ext := &scenes.Extension{
			SceneID:      in.SceneID,
			JobID:        j.ID,
			Prompt:       in.Prompt,
			ViewKey:      in.ViewKey,
			CompositeKey: res.CompositeKey,
			MaskKey:      res.MaskKey,
			OutpaintKey:  res.OutpaintKey,
			SplatsKey:    res.SplatsKey,
			MergedKey:    res.MergedKey,
			TargetWidth:  target.X,
			TargetHeight: target.Y,
			ArcDegrees:   in.ArcDegrees,
			Density:      in.Density,
			Seed:         res.Seed,
			SplatCount:   res.SplatCount,
		}
		if err := scenes.AddExtension(ctx, env.DB, ext); err != nil {
			return err
		}
		res.ExtensionID = ext.ID
	}

	return q.SetResult(j.ID, res)
}

func projectSplats(ctx context.Context, env *Env, j *jobqueue.Job, q *jobqueue.Queue, in OutpaintInput, source image.Point, out image.Image, res *OutpaintResult) error {
	seed := in.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	res.Seed = seed

	opts := outpaint.Options{ArcDegrees: in.ArcDegrees, Density: in.Density, MinBrightness: env.Config.Outpaint.MinBrightness}
	if in.MinBrightness != nil {
		opts.MinBrightness = *in.MinBrightness
	}
	splats, err := outpaint.Project(source, out, opts, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}
	res.SplatCount = len(splats)
	q.PushJobStdout(j.ID, fmt.Sprintf("Generated %d splats", len(splats)))

	ply, err := splat.EncodePLY(splats)
	if err != nil {
		return err
	}
	res.SplatsKey = ArtifactKey(j.ID, "splats.ply")
	res.SplatsURL = env.Store.URL(res.SplatsKey)
	if err := env.Store.Put(ctx, res.SplatsKey, ply, storage.ContentType(res.SplatsKey)); err != nil {
		return err
	}

	if !in.Merge || in.SceneID == "" {
		return nil
	}
	scene, err := scenes.GetScene(ctx, env.DB, in.SceneID)
	if err != nil {
		return err
	}
	if scene.PLYKey == "" {
		return fmt.Errorf("scene %s has no splat cloud to merge into", scene.ID)
	}
	base, _, err := env.Store.Get(ctx, scene.PLYKey)
	if err != nil {
		return fmt.Errorf("failed to load scene cloud: %w", err)
	}
	merged, err := splat.Merge(base, splats)
	if err != nil {
		return err
	}
	res.MergedKey = storage.Key("scenes", scene.ID, "merged-"+j.ID+".ply")
	res.MergedURL = env.Store.URL(res.MergedKey)
	if err := env.Store.Put(ctx, res.MergedKey, merged, storage.ContentType(res.MergedKey)); err != nil {
		return err
	}
	q.PushJobStdout(j.ID, "Merged splats into scene "+scene.ID)
	return scenes.SetPLY(ctx, env.DB, scene.ID, res.MergedKey)
}
