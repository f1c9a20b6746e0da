package scenes

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddExtension records an outpaint pass. The scene must exist.
func AddExtension(ctx context.Context, db *sql.DB, e *Extension) error {
	var exists int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scenes WHERE id = ?", e.SceneID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, e.SceneID)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = db.ExecContext(ctx, `
	INSERT INTO scene_extensions (
		id, scene_id, job_id, prompt, view_key, composite_key, mask_key, outpaint_key,
		splats_key, merged_key, target_width, target_height, arc_degrees, density, seed,
		splat_count, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SceneID, e.JobID, e.Prompt, e.ViewKey, e.CompositeKey, e.MaskKey, e.OutpaintKey,
		e.SplatsKey, e.MergedKey, e.TargetWidth, e.TargetHeight, e.ArcDegrees, e.Density, e.Seed,
		e.SplatCount, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert extension: %w", err)
	}
	return nil
}

// ListExtensions returns a scene's extensions oldest first.
func ListExtensions(ctx context.Context, db *sql.DB, sceneID string) ([]Extension, error) {
	rows, err := db.QueryContext(ctx, `
	SELECT id, scene_id, COALESCE(job_id, ''), COALESCE(prompt, ''), COALESCE(view_key, ''),
		COALESCE(composite_key, ''), COALESCE(mask_key, ''), COALESCE(outpaint_key, ''),
		COALESCE(splats_key, ''), COALESCE(merged_key, ''), COALESCE(target_width, 0),
		COALESCE(target_height, 0), COALESCE(arc_degrees, 0), COALESCE(density, 0),
		COALESCE(seed, 0), COALESCE(splat_count, 0), created_at
	FROM scene_extensions WHERE scene_id = ? ORDER BY created_at, id`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exts := []Extension{}
	for rows.Next() {
		var e Extension
		if err := rows.Scan(&e.ID, &e.SceneID, &e.JobID, &e.Prompt, &e.ViewKey, &e.CompositeKey,
			&e.MaskKey, &e.OutpaintKey, &e.SplatsKey, &e.MergedKey, &e.TargetWidth, &e.TargetHeight,
			&e.ArcDegrees, &e.Density, &e.Seed, &e.SplatCount, &e.CreatedAt); err != nil {
			return nil, err
		}
		exts = append(exts, e)
	}
	return exts, rows.Err()
}
