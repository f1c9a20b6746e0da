package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/revelium/splatlab/scenes"
	"github.com/revelium/splatlab/storage"
	"github.com/revelium/splatlab/tasks"
)

type outpaintRequest struct {
	SceneID        string   `json:"sceneId"`
	Image          string   `json:"image"`
	Mask           string   `json:"mask"`
	SourceWidth    int      `json:"sourceWidth"`
	SourceHeight   int      `json:"sourceHeight"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negativePrompt"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	ArcDegrees     float64  `json:"arcDegrees"`
	Density        float64  `json:"density"`
	MinBrightness  *float64 `json:"minBrightness"`
	Seed           int64    `json:"seed"`
	Merge          bool     `json:"merge"`
}

// validate rejects values that cannot be defaulted or clamped later.
func (req outpaintRequest) validate() error {
	switch {
	case req.Width < 0 || req.Height < 0:
		return errors.New("width and height must be positive")
	case req.SourceWidth < 0 || req.SourceHeight < 0:
		return errors.New("source size must be positive")
	case req.ArcDegrees < 0 || math.IsNaN(req.ArcDegrees) || math.IsInf(req.ArcDegrees, 0):
		return errors.New("arcDegrees must be in (0, 360]")
	case req.Density < 0 || math.IsNaN(req.Density) || math.IsInf(req.Density, 0):
		return errors.New("density must be in (0, 1]")
	case req.MinBrightness != nil && !(*req.MinBrightness >= 0 && *req.MinBrightness <= 255):
		return errors.New("minBrightness must be in [0, 255]")
	case req.Merge && req.SceneID == "":
		return errors.New("merge requires a sceneId")
	}
	return nil
}

type outpaintStatusResponse struct {
	Status      string `json:"status"`
	Image       string `json:"image,omitempty"`
	SplatCount  int    `json:"splatCount"`
	SplatsURL   string `json:"splatsUrl,omitempty"`
	MergedURL   string `json:"mergedUrl,omitempty"`
	ExtensionID string `json:"extensionId,omitempty"`
	Seed        int64  `json:"seed,omitempty"`
	Error       string `json:"error,omitempty"`
}

// decodeDataURL accepts raw base64 or a data: URL.
func decodeDataURL(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		_, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, errors.New("malformed data URL")
		}
		s = payload
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func encodeDataURL(data []byte, contentType string) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// sceneDependency returns the scene's splat job when it has not finished yet,
// so work on the scene waits for it.
func sceneDependency(deps *Dependencies, scene *scenes.Scene) []string {
	if scene == nil || scene.JobID == "" || scene.Status != scenes.StatusProcessing {
		return nil
	}
	if job, ok := deps.Queue.Snapshot(scene.JobID); ok && !job.State.Terminal() {
		return []string{scene.JobID}
	}
	return nil
}

func outpaintHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			createOutpaint(deps, w, r)
		case http.MethodGet:
			outpaintStatus(deps, w, r)
		default:
			methodNotAllowed(w, "GET, POST")
		}
	}
}

// storeImage decodes a base64 image and stores it under the job's artifacts.
func storeImage(ctx context.Context, deps *Dependencies, jobID, name, b64 string) (string, error) {
	data, err := decodeDataURL(b64)
	if err != nil {
		return "", errors.New(name + " is not valid base64")
	}
	_, ext, err := sniffImage(data)
	if err != nil {
		return "", errors.New(name + ": " + err.Error())
	}
	key := tasks.ArtifactKey(jobID, name+"."+ext)
	if err := deps.Store.Put(ctx, key, data, storage.ContentType(key)); err != nil {
		return "", err
	}
	return key, nil
}

func createOutpaint(deps *Dependencies, w http.ResponseWriter, r *http.Request) {
	var req outpaintRequest
	if err := readJSONBody(w, r, &req); err != nil {
		bodyError(w, err)
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "no image provided")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !deps.Env.Replicate.Configured() {
		needsConfig(w, "inpainting backend is not configured")
		return
	}

	ctx := r.Context()
	var scene *scenes.Scene
	if req.SceneID != "" {
		var err error
		scene, err = scenes.GetScene(ctx, deps.DB, req.SceneID)
		if errors.Is(err, scenes.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scene not found")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	jobID := uuid.NewString()
	viewKey, err := storeImage(ctx, deps, jobID, "view", req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var maskKey string
	if req.Mask != "" {
		if maskKey, err = storeImage(ctx, deps, jobID, "client-mask", req.Mask); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	input, _ := json.Marshal(tasks.OutpaintInput{
		SceneID:        req.SceneID,
		ViewKey:        viewKey,
		MaskKey:        maskKey,
		SourceWidth:    req.SourceWidth,
		SourceHeight:   req.SourceHeight,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		ArcDegrees:     req.ArcDegrees,
		Density:        req.Density,
		MinBrightness:  req.MinBrightness,
		Seed:           req.Seed,
		Merge:          req.Merge,
	})
	if _, err := deps.Queue.AddJob(jobID, "outpaint", string(input), sceneDependency(deps, scene)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "jobId": jobID})
}

func outpaintStatus(deps *Dependencies, w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}
	job, ok := deps.Queue.Snapshot(jobID)
	if !ok || (job.Command != "outpaint" && job.Command != "extend") {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := outpaintStatusResponse{Status: jobStatus(job), Error: jobError(job)}
	if resp.Status == statusCompleted {
		var res tasks.OutpaintResult
		if err := json.Unmarshal(job.Result, &res); err != nil {
			writeError(w, http.StatusInternalServerError, "job result is unreadable")
			return
		}
		data, ct, err := deps.Store.Get(r.Context(), res.OutpaintKey)
		if err != nil {
			log.Printf("Failed to load outpaint result for job %s: %v", jobID, err)
			writeError(w, http.StatusInternalServerError, "outpainted image is unavailable")
			return
		}
		resp.Image = encodeDataURL(data, ct)
		resp.SplatCount = res.SplatCount
		resp.SplatsURL = res.SplatsURL
		resp.MergedURL = res.MergedURL
		resp.ExtensionID = res.ExtensionID
		resp.Seed = res.Seed
	}
	writeJSON(w, http.StatusOK, resp)
}

// extendRequest is the body of POST /api/scenes/{id}/extend.
type extendRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negativePrompt"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	ArcDegrees     float64  `json:"arcDegrees"`
	Density        float64  `json:"density"`
	MinBrightness  *float64 `json:"minBrightness"`
	Seed           int64    `json:"seed"`
}

func extendHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		var req extendRequest
		if r.ContentLength != 0 {
			if err := readJSONBody(w, r, &req); err != nil {
				bodyError(w, err)
				return
			}
		}
		check := outpaintRequest{
			SceneID: r.PathValue("id"), Width: req.Width, Height: req.Height,
			ArcDegrees: req.ArcDegrees, Density: req.Density, MinBrightness: req.MinBrightness,
		}
		if err := check.validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !deps.Env.Replicate.Configured() {
			needsConfig(w, "inpainting backend is not configured")
			return
		}

		scene, err := scenes.GetScene(r.Context(), deps.DB, r.PathValue("id"))
		if errors.Is(err, scenes.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scene not found")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if scene.Status == scenes.StatusFailed {
			writeError(w, http.StatusConflict, "scene failed to generate")
			return
		}

		input, _ := json.Marshal(tasks.OutpaintInput{
			SceneID:        scene.ID,
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Width:          req.Width,
			Height:         req.Height,
			ArcDegrees:     req.ArcDegrees,
			Density:        req.Density,
			MinBrightness:  req.MinBrightness,
			Seed:           req.Seed,
			Merge:          true,
		})
		jobID, err := deps.Queue.AddJob("", "extend", string(input), sceneDependency(deps, scene))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "jobId": jobID, "sceneId": scene.ID})
	}
}
