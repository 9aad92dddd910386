package task

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager admits batches, runs each on its own goroutine under a bounded
// number of processing slots and exposes the registry to readers.
type Manager struct {
	registry        *Registry
	inputDir        string
	semaphore       chan struct{}
	pending         atomic.Int32
	maxPending      int32
	fileConcurrency int
	retention       time.Duration
	parser          Parser
	artifacts       ArtifactGenerator
	workersWG       sync.WaitGroup

	mu      sync.RWMutex
	baseCtx context.Context
}

// NewManager creates an in-memory manager with default options suitable for tests.
func NewManager(parser Parser, artifacts ArtifactGenerator) *Manager {
	return NewManagerWithOptions(Options{
		InputDir:           "pdf",
		MaxConcurrentTasks: defaultMaxConcurrent,
		Parser:             parser,
		Artifacts:          artifacts,
	})
}

// NewManagerWithOptions creates a manager with provided configuration.
// A nil Store keeps tasks in memory only.
func NewManagerWithOptions(opts Options) *Manager {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 1
	}
	if opts.MaxPendingTasks <= 0 {
		opts.MaxPendingTasks = defaultMaxPending
	}
	if opts.FileConcurrency <= 0 {
		opts.FileConcurrency = 1
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Manager{
		registry:        NewRegistry(opts.Store),
		inputDir:        opts.InputDir,
		semaphore:       make(chan struct{}, opts.MaxConcurrentTasks),
		maxPending:      int32(opts.MaxPendingTasks), //nolint:gosec // bounded by config validation
		fileConcurrency: opts.FileConcurrency,
		retention:       opts.Retention,
		parser:          opts.Parser,
		artifacts:       opts.Artifacts,
		baseCtx:         context.Background(),
	}
}

// Registry exposes the task registry for read access.
func (m *Manager) Registry() *Registry { return m.registry }

// IsBusy reports whether every processing slot is taken.
func (m *Manager) IsBusy() bool {
	return len(m.semaphore) >= cap(m.semaphore)
}

// Stats reports the number of running and waiting batches.
func (m *Manager) Stats() (running, pending int) {
	return len(m.semaphore), int(m.pending.Load())
}

// Submit registers a batch over files (base names inside the input
// directory) and starts processing it in the background.
func (m *Manager) Submit(files []string, useCache bool) (Snapshot, error) {
	if len(files) == 0 {
		return Snapshot{}, ErrNoFiles
	}
	for _, name := range files {
		if err := validateFileName(name); err != nil {
			return Snapshot{}, err
		}
	}
	if !m.reservePending() {
		return Snapshot{}, ErrBusy
	}

	id, err := m.registry.Create(files, useCache)
	if err != nil {
		m.pending.Add(-1)
		return Snapshot{}, err
	}
	snapshot, err := m.registry.Get(id)
	if err != nil {
		m.pending.Add(-1)
		return Snapshot{}, err
	}
	log.Info().Str("task_id", id).Int("total", len(files)).Msg("batch queued")

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		m.startProcessing(id)
	}()
	return snapshot, nil
}

func (m *Manager) reservePending() bool {
	for {
		current := m.pending.Load()
		if current >= m.maxPending {
			return false
		}
		if m.pending.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Get returns a snapshot of a task.
func (m *Manager) Get(id string) (Snapshot, error) { return m.registry.Get(id) }

// Artifact returns the path of one artifact of a completed task.
func (m *Manager) Artifact(id string, kind ArtifactKind) (string, error) {
	snapshot, err := m.registry.Get(id)
	if err != nil {
		return "", err
	}
	if snapshot.Status != StatusCompleted || snapshot.Artifacts == nil {
		return "", ErrArtifactsNotReady
	}
	return snapshot.Artifacts.Path(kind), nil
}

// Cancel fails a task; its runner stops before the next file.
func (m *Manager) Cancel(id string) error {
	if err := m.registry.Cancel(id); err != nil {
		return err
	}
	log.Info().Str("task_id", id).Msg("task cancelled")
	return nil
}

// Delete cancels the task if needed and removes it with its artifacts.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.registry.Cancel(id); err != nil {
		return err
	}
	if err := m.registry.Delete(ctx, id); err != nil && !errors.Is(err, ErrTaskNotFound) {
		return err
	}
	if m.artifacts != nil {
		if err := m.artifacts.Remove(id); err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("remove artifacts failed")
		}
	}
	return nil
}

// ExpireOld removes terminal tasks older than the retention period.
func (m *Manager) ExpireOld(ctx context.Context) int {
	removed := 0
	for _, id := range m.registry.Expire(m.retention) {
		if err := m.Delete(ctx, id); err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("expire task failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("expired old tasks")
	}
	return removed
}

// StartJanitor periodically expires old tasks until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ExpireOld(ctx)
			}
		}
	}()
}

// SetBaseContext sets the base context used to control long-running operations.
// Intended to be set at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

func (m *Manager) baseContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.baseCtx == nil {
		return context.Background()
	}
	return m.baseCtx
}

// WaitAll blocks until all in-flight task workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func validateFileName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name || filepath.Base(name) != name || name == "." || name == ".." {
		return NewErrInvalidFile(name)
	}
	return nil
}
