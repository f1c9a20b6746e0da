package server

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/revelium/splatlab/auth"
	"github.com/revelium/splatlab/jobqueue"
	"github.com/revelium/splatlab/stream"
	"github.com/revelium/splatlab/tasks"
)

func jobsListHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		writeJSON(w, http.StatusOK, deps.Queue.GetJobs())
	}
}

type jobDetail struct {
	jobqueue.Job
	Stdout []string `json:"stdout"`
}

func jobDetailHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		job, ok := deps.Queue.Snapshot(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		stdout := job.Stdout
		if stdout == nil {
			stdout = []string{}
		}
		writeJSON(w, http.StatusOK, jobDetail{Job: job, Stdout: stdout})
	}
}

// queueError maps queue sentinel errors to status codes.
func queueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobqueue.ErrBadState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func cancelHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		if err := deps.Queue.CancelJob(r.PathValue("id")); err != nil {
			queueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Job cancelled successfully"})
	}
}

func copyHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		newID, err := deps.Queue.CopyJob(r.PathValue("id"))
		if err != nil {
			queueError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": newID, "message": "Job copied successfully"})
	}
}

func removeHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		if err := deps.Queue.RemoveJob(r.PathValue("id")); err != nil {
			queueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Job removed successfully"})
	}
}

func clearNonRunningJobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		n := deps.Queue.ClearNonRunningJobs()
		writeJSON(w, http.StatusOK, map[string]any{
			"cleared_count": n,
			"message":       fmt.Sprintf("Cleared %d non-running jobs", n),
		})
	}
}

func tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		registry := tasks.GetTasks()
		list := make([]tasks.Task, 0, len(registry))
		for _, t := range registry {
			list = append(list, t)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		writeJSON(w, http.StatusOK, list)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func loginHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		if deps.Auth == nil {
			writeError(w, http.StatusNotFound, "authentication is disabled")
			return
		}
		var req loginRequest
		if err := readJSONBody(w, r, &req); err != nil {
			bodyError(w, err)
			return
		}
		token, err := deps.Auth.Login(r.Context(), req.Username, req.Password)
		if errors.Is(err, auth.ErrInvalidCreds) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

// healthHandler reports stream connections, job counts and which backends
// are configured.
func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"stream":    stream.GetStats(),
			"jobs":      deps.Queue.Stats(),
			"backends": map[string]bool{
				"modal":     deps.Env.Modal.Configured(),
				"replicate": deps.Env.Replicate.Configured(),
			},
		})
	}
}
