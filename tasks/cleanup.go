package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/revelium/splatlab/jobqueue"
)

// CleanupInput lists artifact keys to delete. Missing keys count as deleted.
type CleanupInput struct {
	Keys []string `json:"keys"`
}

func cleanupTask(ctx context.Context, env *Env, j *jobqueue.Job, q *jobqueue.Queue) error {
	var in CleanupInput
	if err := json.Unmarshal([]byte(j.Input), &in); err != nil {
		return fmt.Errorf("invalid cleanup input: %w", err)
	}

	removed := 0
	for _, key := range in.Keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := env.Store.Delete(ctx, key); err != nil {
			q.PushJobStdout(j.ID, fmt.Sprintf("Failed to delete %s: %v", key, err))
			continue
		}
		removed++
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Deleted %d of %d artifacts", removed, len(in.Keys)))
	return q.SetResult(j.ID, map[string]int{"deleted": removed})
}
