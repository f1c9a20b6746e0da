package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/revelium/splatlab/jobqueue"
	"github.com/revelium/splatlab/scenes"
	"github.com/revelium/splatlab/splat"
	"github.com/revelium/splatlab/storage"
)

// SplatInput is the payload of a splat job.
type SplatInput struct {
	SceneID   string `json:"sceneId"`
	Filename  string `json:"filename"`
	Prompt    string `json:"prompt"`
	Elevation int    `json:"elevation"`
}

// SplatResult is stored on a completed splat job.
type SplatResult struct {
	SceneID    string `json:"sceneId"`
	PLYKey     string `json:"plyKey"`
	PLYURL     string `json:"plyUrl"`
	SplatCount int    `json:"splatCount,omitempty"`
}

// SceneKey is where a scene's generated cloud is stored.
func SceneKey(sceneID string) string {
	return storage.Key("scenes", sceneID, "scene.ply")
}

func splatTask(ctx context.Context, env *Env, j *jobqueue.Job, q *jobqueue.Queue) (err error) {
	var in SplatInput
	if err := json.Unmarshal([]byte(j.Input), &in); err != nil {
		return fmt.Errorf("invalid splat input: %w", err)
	}

	defer func() {
		if err != nil && in.SceneID != "" {
			if mErr := scenes.MarkFailed(context.WithoutCancel(ctx), env.DB, in.SceneID, err.Error()); mErr != nil {
				log.Printf("Failed to mark scene %s failed: %v", in.SceneID, mErr)
			}
		}
	}()

	if !env.Modal.Configured() {
		return fmt.Errorf("image-to-3D backend is not configured")
	}

	scene, err := scenes.GetScene(ctx, env.DB, in.SceneID)
	if err != nil {
		return err
	}
	data, _, err := env.Store.Get(ctx, scene.SourceKey)
	if err != nil {
		return fmt.Errorf("failed to load source image: %w", err)
	}

	upload, size, err := prepareUpload(data, env.Config.Modal.MaxUploadSide)
	if err != nil {
		return err
	}
	if len(upload) != len(data) {
		q.PushJobStdout(j.ID, fmt.Sprintf("Downscaled upload to %dx%d", size.X, size.Y))
	}

	q.PushJobStdout(j.ID, "Submitting image to 3D backend")
	sub, err := env.Modal.Submit(ctx, upload, in.Filename, in.Prompt, in.Elevation)
	if err != nil {
		return err
	}

	ply := sub.PLY
	if ply == nil {
		q.PushJobStdout(j.ID, "Waiting for backend call "+sub.CallID)
		interval := time.Duration(env.Config.Modal.PollIntervalSeconds) * time.Second
		ply, err = env.Modal.Wait(ctx, sub.CallID, interval, env.Config.Modal.MaxPollAttempts, func(attempt int, status string) {
			if attempt%10 == 0 {
				q.PushJobStdout(j.ID, fmt.Sprintf("Poll %d: %s", attempt, status))
			}
		})
		if err != nil {
			return err
		}
	}

	key := SceneKey(in.SceneID)
	if err := env.Store.Put(ctx, key, ply, storage.ContentType(key)); err != nil {
		return fmt.Errorf("failed to store scene: %w", err)
	}

	result := SplatResult{SceneID: in.SceneID, PLYKey: key, PLYURL: env.Store.URL(key)}
	// Some backends emit compressed layouts; counting is best effort.
	if splats, rErr := splat.ReadPLY(bytes.NewReader(ply)); rErr == nil {
		result.SplatCount = len(splats)
		q.PushJobStdout(j.ID, fmt.Sprintf("Received %d splats", len(splats)))
	} else {
		log.Printf("Scene %s PLY not readable: %v", in.SceneID, rErr)
	}

	if err := scenes.MarkCompleted(ctx, env.DB, in.SceneID, key); err != nil {
		return err
	}
	return q.SetResult(j.ID, result)
}
