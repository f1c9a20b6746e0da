package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	_ "golang.org/x/image/webp"

	"github.com/revelium/splatlab/jobqueue"
	"github.com/revelium/splatlab/scenes"
	"github.com/revelium/splatlab/storage"
	"github.com/revelium/splatlab/tasks"
)

// Client-facing job statuses.
const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"
)

func jobStatus(j jobqueue.Job) string {
	switch j.State {
	case jobqueue.StateCompleted:
		return statusCompleted
	case jobqueue.StateError, jobqueue.StateCancelled:
		return statusFailed
	default:
		return statusProcessing
	}
}

func jobError(j jobqueue.Job) string {
	if j.State == jobqueue.StateCancelled && j.Error == "" {
		return "job was cancelled"
	}
	return j.Error
}

// sniffImage checks data is a decodable image and returns its dimensions and
// file extension.
func sniffImage(data []byte) (image.Config, string, error) {
	if !filetype.IsImage(data) {
		return image.Config{}, "", errors.New("file is not an image")
	}
	kind, _ := filetype.Match(data)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", errors.New("unsupported image format")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", errors.New("image has no pixels")
	}
	return cfg, kind.Extension, nil
}

type processResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	SceneID string `json:"sceneId"`
}

type processStatusResponse struct {
	Status     string `json:"status"`
	SceneID    string `json:"sceneId,omitempty"`
	PLYURL     string `json:"plyUrl,omitempty"`
	SplatCount int    `json:"splatCount,omitempty"`
	Error      string `json:"error,omitempty"`
}

func processHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			createProcess(deps, w, r)
		case http.MethodGet:
			processStatus(deps, w, r)
		default:
			methodNotAllowed(w, "GET, POST")
		}
	}
}

func createProcess(deps *Dependencies, w http.ResponseWriter, r *http.Request) {
	if !deps.Env.Modal.Configured() {
		needsConfig(w, "image-to-3D backend is not configured")
		return
	}

	// room for the multipart envelope and the text fields
	const limit = MaxUploadBytes + 64<<10
	if r.ContentLength > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the 4 MiB limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the 4 MiB limit")
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image provided")
		return
	}
	defer file.Close()
	if header.Size > MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the 4 MiB limit")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	imgCfg, ext, err := sniffImage(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	elevation := deps.Config.Modal.DefaultElevation
	if v := strings.TrimSpace(r.FormValue("elevation")); v != "" {
		elevation, err = strconv.Atoi(v)
		if err != nil || elevation < -90 || elevation > 90 {
			writeError(w, http.StatusBadRequest, "elevation must be an integer between -90 and 90")
			return
		}
	}

	ctx := r.Context()
	scene := &scenes.Scene{
		ID:           uuid.NewString(),
		Name:         header.Filename,
		Prompt:       r.FormValue("prompt"),
		Elevation:    elevation,
		SourceWidth:  imgCfg.Width,
		SourceHeight: imgCfg.Height,
	}
	scene.SourceKey = storage.Key("uploads", scene.ID, "source."+ext)
	if err := deps.Store.Put(ctx, scene.SourceKey, data, storage.ContentType(scene.SourceKey)); err != nil {
		log.Printf("Failed to store upload: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store image")
		return
	}
	if err := scenes.CreateScene(ctx, deps.DB, scene); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	input, _ := json.Marshal(tasks.SplatInput{
		SceneID:   scene.ID,
		Filename:  header.Filename,
		Prompt:    scene.Prompt,
		Elevation: elevation,
	})
	jobID, err := deps.Queue.AddJob("", "splat", string(input), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := scenes.SetJob(ctx, deps.DB, scene.ID, jobID); err != nil {
		log.Printf("Failed to link scene %s to job %s: %v", scene.ID, jobID, err)
	}

	writeJSON(w, http.StatusCreated, processResponse{Success: true, JobID: jobID, SceneID: scene.ID})
}

func processStatus(deps *Dependencies, w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}
	job, ok := deps.Queue.Snapshot(jobID)
	if !ok || job.Command != "splat" {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	var in tasks.SplatInput
	if err := json.Unmarshal([]byte(job.Input), &in); err != nil {
		log.Printf("Failed to decode input of job %s: %v", jobID, err)
	}
	resp := processStatusResponse{
		Status:  jobStatus(job),
		SceneID: in.SceneID,
		Error:   jobError(job),
	}
	if resp.Status == statusCompleted {
		var res tasks.SplatResult
		if err := json.Unmarshal(job.Result, &res); err != nil {
			log.Printf("Failed to decode result of job %s: %v", jobID, err)
		} else {
			resp.PLYURL = res.PLYURL
			resp.SplatCount = res.SplatCount
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
