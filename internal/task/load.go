package task

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

const interruptedReason = "interrupted by restart"

// LoadFromDisk restores tasks persisted by a previous run into memory.
func (m *Manager) LoadFromDisk() error {
	return m.registry.Restore(context.Background())
}

// Restore loads persisted tasks into the registry. Tasks that were still
// queued or running when the previous process stopped become Failed; their
// artifacts are never generated.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	interrupted := 0
	for _, t := range stored {
		e := &entry{task: t.clone(), artifactsClaimed: true}
		changed := !e.task.Status.Terminal()
		if changed {
			e.task.Status = StatusFailed
			e.task.Error = interruptedReason
			e.task.Artifacts = nil
			e.task.Log = append(e.task.Log, "task failed: "+interruptedReason)
			e.task.UpdatedAt = r.now()
			interrupted++
		}

		r.mu.Lock()
		r.entries[e.task.ID] = e
		r.mu.Unlock()
		if changed {
			r.persist(e)
		}
	}
	log.Info().Int("tasks", len(stored)).Int("interrupted", interrupted).Msg("tasks restored")
	return nil
}
