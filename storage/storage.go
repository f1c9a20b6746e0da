// Package storage keeps job artifacts: uploads, composites, masks, outpainted
// images and PLY files. Keys are slash-separated relative paths.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/revelium/splatlab/appconfig"
)

var (
	// ErrNotFound is returned by Get for a key that does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidKey is returned for empty, absolute or escaping keys.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Store is an artifact store.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns the artifact and its content type.
	Get(ctx context.Context, key string) ([]byte, string, error)
	Delete(ctx context.Context, key string) error
	// URL is where a client can fetch the artifact.
	URL(key string) string
}

// FilesPrefix is the HTTP path the server serves artifacts under.
const FilesPrefix = "/files/"

// CleanKey validates key and returns it in canonical form.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// ContentType guesses a content type from the key's extension.
func ContentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == ".ply" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Key joins parts into an artifact key.
func Key(parts ...string) string {
	return path.Join(parts...)
}

// New builds the store selected by cfg.Kind.
func New(ctx context.Context, cfg appconfig.StorageConfig) (Store, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocal(cfg.LocalDir)
	case "s3":
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}
