// Package server exposes the scene, outpaint and job queue HTTP API.
package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/revelium/splatlab/appconfig"
	"github.com/revelium/splatlab/auth"
	"github.com/revelium/splatlab/jobqueue"
	"github.com/revelium/splatlab/storage"
	"github.com/revelium/splatlab/stream"
	"github.com/revelium/splatlab/tasks"
)

// MaxUploadBytes caps photo uploads on /api/process.
const MaxUploadBytes = 4 << 20

// maxJSONBytes caps JSON bodies, which may carry base64 images.
const maxJSONBytes = 32 << 20

type Dependencies struct {
	Queue  *jobqueue.Queue
	DB     *sql.DB
	Store  storage.Store
	Env    *tasks.Env
	Auth   *auth.Service
	Config appconfig.Config
}

// NewMux registers every route.
func NewMux(deps *Dependencies) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/process", deps.wrap(processHandler(deps), RoleUser))
	mux.HandleFunc("/api/outpaint", deps.wrap(outpaintHandler(deps), RoleUser))
	mux.HandleFunc("/api/scenes", deps.wrap(scenesHandler(deps), RoleUser))
	mux.HandleFunc("/api/scenes/{id}", deps.wrap(sceneHandler(deps), RoleUser))
	mux.HandleFunc("/api/scenes/{id}/extend", deps.wrap(extendHandler(deps), RoleUser))
	mux.HandleFunc("/files/{key...}", deps.wrap(filesHandler(deps), RolePublic))

	mux.HandleFunc("/jobs/list", deps.wrap(jobsListHandler(deps), RoleAdmin))
	mux.HandleFunc("/job/{id}", deps.wrap(jobDetailHandler(deps), RoleAdmin))
	mux.HandleFunc("/job/{id}/cancel", deps.wrap(cancelHandler(deps), RoleAdmin))
	mux.HandleFunc("/job/{id}/copy", deps.wrap(copyHandler(deps), RoleAdmin))
	mux.HandleFunc("/job/{id}/remove", deps.wrap(removeHandler(deps), RoleAdmin))
	mux.HandleFunc("/jobs/clear", deps.wrap(clearNonRunningJobsHandler(deps), RoleAdmin))
	mux.HandleFunc("/tasks", deps.wrap(tasksHandler(), RolePublic))

	mux.HandleFunc("/auth/login", deps.wrap(loginHandler(deps), RolePublic))
	mux.HandleFunc("/stream", deps.wrap(stream.Handler, RoleUser))
	mux.HandleFunc("/health", deps.wrap(healthHandler(deps), RolePublic))

	return mux
}

func readJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// bodyError maps a JSON decode failure to 413 or 400.
func bodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "bad json")
}

// needsConfig reports a backend that has no credentials or endpoint yet.
func needsConfig(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error":       msg,
		"needsConfig": true,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "Use "+allowed)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
