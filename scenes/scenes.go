// Package scenes persists splat scenes and the outpaint extensions grown
// around them.
package scenes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for an unknown scene id.
var ErrNotFound = errors.New("scene not found")

// Scene statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Scene is one photo turned into a splat cloud.
type Scene struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Prompt       string      `json:"prompt"`
	Elevation    int         `json:"elevation"`
	SourceKey    string      `json:"sourceKey"`
	PLYKey       string      `json:"plyKey"`
	SourceWidth  int         `json:"sourceWidth"`
	SourceHeight int         `json:"sourceHeight"`
	Status       string      `json:"status"`
	Error        string      `json:"error,omitempty"`
	JobID        string      `json:"jobId"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	Extensions   []Extension `json:"extensions,omitempty"`
}

// Extension records one outpaint pass over a rendered view of a scene.
type Extension struct {
	ID           string    `json:"id"`
	SceneID      string    `json:"sceneId"`
	JobID        string    `json:"jobId"`
	Prompt       string    `json:"prompt"`
	ViewKey      string    `json:"viewKey"`
	CompositeKey string    `json:"compositeKey"`
	MaskKey      string    `json:"maskKey"`
	OutpaintKey  string    `json:"outpaintKey"`
	SplatsKey    string    `json:"splatsKey"`
	MergedKey    string    `json:"mergedKey,omitempty"`
	TargetWidth  int       `json:"targetWidth"`
	TargetHeight int       `json:"targetHeight"`
	ArcDegrees   float64   `json:"arcDegrees"`
	Density      float64   `json:"density"`
	Seed         int64     `json:"seed"`
	SplatCount   int       `json:"splatCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EnsureSchema creates the scene tables.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS scenes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt TEXT,
		elevation INTEGER,
		source_key TEXT NOT NULL,
		ply_key TEXT,
		source_width INTEGER,
		source_height INTEGER,
		status TEXT NOT NULL,
		error TEXT,
		job_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create scenes table: %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS scene_extensions (
		id TEXT PRIMARY KEY,
		scene_id TEXT NOT NULL REFERENCES scenes(id) ON DELETE CASCADE,
		job_id TEXT,
		prompt TEXT,
		view_key TEXT,
		composite_key TEXT,
		mask_key TEXT,
		outpaint_key TEXT,
		splats_key TEXT,
		merged_key TEXT,
		target_width INTEGER,
		target_height INTEGER,
		arc_degrees REAL,
		density REAL,
		seed INTEGER,
		splat_count INTEGER,
		created_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create scene_extensions table: %w", err)
	}
	_, _ = db.Exec("CREATE INDEX IF NOT EXISTS idx_scene_extensions_scene ON scene_extensions(scene_id)")
	return nil
}

// CreateScene inserts s, assigning an id and timestamps when missing.
func CreateScene(ctx context.Context, db *sql.DB, s *Scene) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusProcessing
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
	INSERT INTO scenes (
		id, name, prompt, elevation, source_key, ply_key, source_width, source_height,
		status, error, job_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Prompt, s.Elevation, s.SourceKey, s.PLYKey, s.SourceWidth, s.SourceHeight,
		s.Status, s.Error, s.JobID, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scene: %w", err)
	}
	return nil
}

const sceneColumns = `id, name, COALESCE(prompt, ''), COALESCE(elevation, 0), source_key,
	COALESCE(ply_key, ''), COALESCE(source_width, 0), COALESCE(source_height, 0),
	status, COALESCE(error, ''), COALESCE(job_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScene(r rowScanner) (Scene, error) {
	var s Scene
	err := r.Scan(&s.ID, &s.Name, &s.Prompt, &s.Elevation, &s.SourceKey, &s.PLYKey,
		&s.SourceWidth, &s.SourceHeight, &s.Status, &s.Error, &s.JobID, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// GetScene loads a scene with its extensions.
func GetScene(ctx context.Context, db *sql.DB, id string) (*Scene, error) {
	row := db.QueryRowContext(ctx, "SELECT "+sceneColumns+" FROM scenes WHERE id = ?", id)
	s, err := scanScene(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s.Extensions, err = ListExtensions(ctx, db, id)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListScenes returns scenes newest first. hasMore reports whether another
// page exists past offset+limit.
func ListScenes(ctx context.Context, db *sql.DB, offset, limit int) ([]Scene, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+sceneColumns+" FROM scenes ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		limit+1, offset)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	scenes := []Scene{}
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, false, err
		}
		scenes = append(scenes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(scenes) > limit
	if hasMore {
		scenes = scenes[:limit]
	}
	return scenes, hasMore, nil
}

func updateScene(ctx context.Context, db *sql.DB, id, query string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := db.ExecContext(ctx, "UPDATE scenes SET "+query+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetJob records the job building the scene.
func SetJob(ctx context.Context, db *sql.DB, id, jobID string) error {
	return updateScene(ctx, db, id, "job_id = ?", jobID)
}

// MarkCompleted stores the scene's PLY key and marks it completed.
func MarkCompleted(ctx context.Context, db *sql.DB, id, plyKey string) error {
	return updateScene(ctx, db, id, "status = ?, ply_key = ?, error = ''", StatusCompleted, plyKey)
}

// MarkFailed marks the scene failed with msg.
func MarkFailed(ctx context.Context, db *sql.DB, id, msg string) error {
	return updateScene(ctx, db, id, "status = ?, error = ?", StatusFailed, msg)
}

// SetPLY points the scene at a new PLY, e.g. after extensions were merged in.
func SetPLY(ctx context.Context, db *sql.DB, id, plyKey string) error {
	return updateScene(ctx, db, id, "ply_key = ?", plyKey)
}

// DeleteScene removes the scene and its extensions and returns every
// artifact key they referenced so the caller can clean up storage.
func DeleteScene(ctx context.Context, db *sql.DB, id string) ([]string, error) {
	s, err := GetScene(ctx, db, id)
	if err != nil {
		return nil, err
	}
	keys := nonEmpty(s.SourceKey, s.PLYKey)
	for _, e := range s.Extensions {
		keys = append(keys, nonEmpty(e.ViewKey, e.CompositeKey, e.MaskKey, e.OutpaintKey, e.SplatsKey, e.MergedKey)...)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM scene_extensions WHERE scene_id = ?", id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM scenes WHERE id = ?", id); err != nil {
		return nil, err
	}
	return keys, tx.Commit()
}

func nonEmpty(keys ...string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
