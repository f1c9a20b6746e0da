package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/revelium/splatlab/scenes"
	"github.com/revelium/splatlab/tasks"
)

// sceneView adds client URLs to a stored scene.
type sceneView struct {
	scenes.Scene
	SourceURL  string          `json:"sourceUrl"`
	PLYURL     string          `json:"plyUrl,omitempty"`
	Extensions []extensionView `json:"extensions,omitempty"`
}

type extensionView struct {
	scenes.Extension
	OutpaintURL string `json:"outpaintUrl"`
	SplatsURL   string `json:"splatsUrl,omitempty"`
	MergedURL   string `json:"mergedUrl,omitempty"`
}

func (d *Dependencies) url(key string) string {
	if key == "" {
		return ""
	}
	return d.Store.URL(key)
}

func (d *Dependencies) viewScene(s scenes.Scene) sceneView {
	v := sceneView{Scene: s, SourceURL: d.url(s.SourceKey), PLYURL: d.url(s.PLYKey)}
	for _, e := range s.Extensions {
		v.Extensions = append(v.Extensions, extensionView{
			Extension:   e,
			OutpaintURL: d.url(e.OutpaintKey),
			SplatsURL:   d.url(e.SplatsKey),
			MergedURL:   d.url(e.MergedKey),
		})
	}
	v.Scene.Extensions = nil
	return v
}

func scenesHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		limit, err := queryInt(r, "limit", 50)
		if err != nil || limit < 1 || limit > 200 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}

		list, hasMore, err := scenes.ListScenes(r.Context(), deps.DB, offset, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]sceneView, 0, len(list))
		for _, s := range list {
			views = append(views, deps.viewScene(s))
		}
		writeJSON(w, http.StatusOK, map[string]any{"scenes": views, "hasMore": hasMore})
	}
}

func sceneHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			scene, err := scenes.GetScene(r.Context(), deps.DB, id)
			if errors.Is(err, scenes.ErrNotFound) {
				writeError(w, http.StatusNotFound, "scene not found")
				return
			} else if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, deps.viewScene(*scene))

		case http.MethodDelete:
			deleteScene(deps, w, r, id)

		default:
			methodNotAllowed(w, "GET, DELETE")
		}
	}
}

// deleteScene removes the rows right away and queues a cleanup job for the
// stored artifacts.
func deleteScene(deps *Dependencies, w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	scene, err := scenes.GetScene(ctx, deps.DB, id)
	if errors.Is(err, scenes.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scene not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if scene.JobID != "" {
		if job, ok := deps.Queue.Snapshot(scene.JobID); ok && !job.State.Terminal() {
			_ = deps.Queue.CancelJob(scene.JobID)
		}
	}

	keys, err := scenes.DeleteScene(ctx, deps.DB, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"success": true}
	if len(keys) > 0 {
		input, _ := json.Marshal(tasks.CleanupInput{Keys: keys})
		jobID, err := deps.Queue.AddJob("", "cleanup", string(input), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["jobId"] = jobID
	}
	writeJSON(w, http.StatusOK, resp)
}
