package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registry owns every live and completed task. The map is guarded by mu and
// each task's state by its entry's own lock, so pollers of one task never
// contend with writers of another and always read a consistent tuple.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   TaskStore
	now     func() time.Time
}

type entry struct {
	mu               sync.RWMutex
	task             Task
	artifactsClaimed bool

	// persistMu serialises store writes for this task; each write re-reads
	// the latest state so the final write always wins.
	persistMu sync.Mutex
	deleted   bool
}

// NewRegistry creates a registry. A nil store keeps tasks in memory only.
func NewRegistry(store TaskStore) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		store:   store,
		now:     time.Now,
	}
}

// Create allocates a Queued task for files and returns its id.
func (r *Registry) Create(files []string, useCache bool) (string, error) {
	if len(files) == 0 {
		return "", ErrNoFiles
	}
	now := r.now()
	e := &entry{task: Task{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Total:     len(files),
		Files:     append([]string(nil), files...),
		Results:   make([]FileResult, 0, len(files)),
		Log:       make([]string, 0, len(files)*2+2),
		UseCache:  useCache,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	r.mu.Lock()
	for {
		if _, exists := r.entries[e.task.ID]; !exists {
			break
		}
		e.task.ID = uuid.NewString()
	}
	r.entries[e.task.ID] = e
	r.mu.Unlock()

	r.persist(e)
	return e.task.ID, nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (Snapshot, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot(), nil
}

// Files returns the ordered input file names of the task.
func (r *Registry) Files(id string) ([]string, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.task.Files...), nil
}

// Results returns copies of the recorded per-file results and the log.
func (r *Registry) Results(id string) ([]FileResult, []string, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, nil, ErrTaskNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	results := make([]FileResult, len(e.task.Results))
	copy(results, e.task.Results)
	return results, append([]string(nil), e.task.Log...), nil
}

// List returns snapshots of all tasks.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.snapshot())
		e.mu.RUnlock()
	}
	return out
}

// UpdateProgress applies p atomically, rejecting updates that would move
// count backwards, skip files or leave results out of step with count.
func (r *Registry) UpdateProgress(id string, p Progress) error {
	e, err := r.apply(id, p)
	if err != nil {
		return err
	}
	r.persist(e)
	return nil
}

// apply updates the in-memory state only. Callers persist the returned entry
// once they have released their own locks.
func (r *Registry) apply(id string, p Progress) (*entry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkProgress(p); err != nil {
		return nil, err
	}
	t := &e.task
	if p.Status != "" {
		t.Status = p.Status
	}
	if p.Result != nil {
		t.Results = append(t.Results, *p.Result)
	}
	t.Count = p.Count
	if p.Current != "" {
		t.Current = p.Current
	}
	if p.Log != "" {
		t.Log = append(t.Log, p.Log)
	}
	t.UpdatedAt = r.now()
	return e, nil
}

func (e *entry) checkProgress(p Progress) error {
	t := e.task
	if t.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if p.Status != "" && p.Status != t.Status {
		if t.Status != StatusQueued || p.Status != StatusRunning {
			return invalidTransition("%s -> %s", t.Status, p.Status)
		}
	}
	switch {
	case p.Count < t.Count:
		return invalidTransition("count %d -> %d decreases", t.Count, p.Count)
	case p.Count > t.Total:
		return invalidTransition("count %d exceeds total %d", p.Count, t.Total)
	case p.Count == t.Count && p.Result != nil:
		return invalidTransition("result recorded without count increment")
	case p.Count == t.Count+1 && p.Result == nil:
		return invalidTransition("count increment without result")
	case p.Count > t.Count+1:
		return invalidTransition("count %d -> %d skips files", t.Count, p.Count)
	}
	if p.Count > t.Count && t.Status == StatusQueued && p.Status != StatusRunning {
		return invalidTransition("progress recorded while queued")
	}
	return nil
}

// Finalize moves the task into a terminal state. Finalizing an already
// terminal task is a no-op.
func (r *Registry) Finalize(id string, out Outcome) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrTaskNotFound
	}
	if !out.Status.Terminal() {
		return invalidTransition("finalize with non-terminal status %s", out.Status)
	}

	e.mu.Lock()
	t := &e.task
	if t.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	switch out.Status {
	case StatusCompleted:
		if t.Count != t.Total {
			e.mu.Unlock()
			return invalidTransition("complete with count %d of %d", t.Count, t.Total)
		}
		if out.Artifacts == nil || !out.Artifacts.complete() {
			e.mu.Unlock()
			return invalidTransition("complete without artifacts")
		}
		artifacts := *out.Artifacts
		t.Artifacts = &artifacts
		t.Current = phaseDone
	case StatusFailed:
		t.Artifacts = nil
		t.Error = out.Error
	}
	t.Status = out.Status
	t.UpdatedAt = r.now()
	if out.Error != "" {
		t.Log = append(t.Log, "task failed: "+out.Error)
	}
	e.mu.Unlock()

	r.persist(e)
	return nil
}

// Cancel fails a non-terminal task. Its runner notices at the next checkpoint
// between files.
func (r *Registry) Cancel(id string) error {
	return r.Finalize(id, Outcome{Status: StatusFailed, Error: "cancelled"})
}

// ClaimArtifacts grants the caller the single right to generate artifacts for
// a task. It returns false if the right was already taken.
func (r *Registry) ClaimArtifacts(id string) (bool, error) {
	e, ok := r.lookup(id)
	if !ok {
		return false, ErrTaskNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.artifactsClaimed || e.task.Status.Terminal() {
		return false, nil
	}
	e.artifactsClaimed = true
	return true, nil
}

// Delete removes the task from memory and from the store.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.deleted = true
	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Expire returns ids of terminal tasks last updated before now-olderThan.
// Callers remove them with Delete after releasing their own resources.
func (r *Registry) Expire(olderThan time.Duration) []string {
	cutoff := r.now().Add(-olderThan)
	var expired []string
	for _, s := range r.List() {
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			expired = append(expired, s.ID)
		}
	}
	return expired
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	return e, ok
}

// persist writes the latest state of e to the store. Running tasks are
// written without result payloads.
func (r *Registry) persist(e *entry) {
	if r.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if e.deleted {
		return
	}

	e.mu.RLock()
	t := e.task.clone()
	e.mu.RUnlock()
	if !t.Status.Terminal() {
		t.stripResultData()
	}

	if err := r.store.SaveTask(context.Background(), &t); err != nil { // best-effort
		log.Warn().Str("task_id", t.ID).Err(err).Msg("persist task failed")
	}
}

// snapshot must be called with e.mu held.
func (e *entry) snapshot() Snapshot {
	t := e.task
	s := Snapshot{
		ID:        t.ID,
		Status:    t.Status,
		Total:     t.Total,
		Count:     t.Count,
		Current:   t.Current,
		Error:     t.Error,
		UseCache:  t.UseCache,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	for _, res := range t.Results {
		if res.Failed() {
			s.Failures++
		}
	}
	if t.Status == StatusCompleted && t.Artifacts != nil {
		artifacts := *t.Artifacts
		s.Artifacts = &artifacts
	}
	return s
}

// stripResultData drops parsed payloads so that progress writes stay small.
// The full results reach the store when the task is finalized.
func (t *Task) stripResultData() {
	for i := range t.Results {
		t.Results[i].Data = nil
	}
}

func (t Task) clone() Task {
	c := t
	c.Files = append([]string(nil), t.Files...)
	c.Results = append([]FileResult(nil), t.Results...)
	c.Log = append([]string(nil), t.Log...)
	if t.Artifacts != nil {
		artifacts := *t.Artifacts
		c.Artifacts = &artifacts
	}
	return c
}
