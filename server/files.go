package server

import (
	"bytes"
	"errors"
	"log"
	"net/http"
	"path"
	"time"

	"github.com/revelium/splatlab/storage"
)

// filesHandler serves stored artifacts under storage.FilesPrefix.
func filesHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, "GET")
			return
		}
		key, err := storage.CleanKey(r.PathValue("key"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid key")
			return
		}
		data, ct, err := deps.Store.Get(r.Context(), key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.NotFound(w, r)
			return
		case err != nil:
			log.Printf("Failed to read artifact %s: %v", key, err)
			writeError(w, http.StatusInternalServerError, "failed to read artifact")
			return
		}
		if ct == "" {
			ct = storage.ContentType(key)
		}
		w.Header().Set("Content-Type", ct)
		// artifacts are written once under unique keys
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		http.ServeContent(w, r, path.Base(key), time.Time{}, bytes.NewReader(data))
	}
}
