package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var errShutdown = errors.New("shutdown")

// startProcessing waits for a processing slot and drives the task to a
// terminal state.
func (m *Manager) startProcessing(taskID string) {
	ctx := m.baseContext()
	select {
	case m.semaphore <- struct{}{}:
		m.pending.Add(-1)
	case <-ctx.Done():
		m.pending.Add(-1)
		_ = m.registry.Finalize(taskID, Outcome{Status: StatusFailed, Error: errShutdown.Error()})
		return
	}
	defer func() { <-m.semaphore }()

	NewRunner(m.registry, m.parser, m.artifacts, m.inputDir, m.fileConcurrency).Run(ctx, taskID)
}

// Runner drives exactly one task through its files. Registry locks are only
// taken around progress writes, never while the parser runs.
type Runner struct {
	registry    *Registry
	parser      Parser
	artifacts   ArtifactGenerator
	inputDir    string
	concurrency int

	mu    sync.Mutex
	count int
}

// NewRunner creates a runner for a single task of registry.
func NewRunner(registry *Registry, parser Parser, artifacts ArtifactGenerator, inputDir string, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		registry:    registry,
		parser:      parser,
		artifacts:   artifacts,
		inputDir:    inputDir,
		concurrency: concurrency,
	}
}

// Run processes the task identified by taskID. Per-file parser failures are
// recorded and skipped; only batch-level faults fail the task.
func (r *Runner) Run(ctx context.Context, taskID string) {
	logger := log.With().Str("task_id", taskID).Logger()

	files, err := r.registry.Files(taskID)
	if err != nil {
		logger.Warn().Err(err).Msg("task vanished before start")
		return
	}
	snapshot, err := r.registry.Get(taskID)
	if err != nil {
		logger.Warn().Err(err).Msg("task vanished before start")
		return
	}

	err = r.registry.UpdateProgress(taskID, Progress{
		Status:  StatusRunning,
		Current: phasePreparing,
		Log:     fmt.Sprintf("received batch of %d files: %s", len(files), strings.Join(files, ", ")),
	})
	if err != nil {
		r.stop(logger, taskID, err)
		return
	}
	logger.Info().Int("total", len(files)).Msg("batch started")

	if err := checkInputDir(r.inputDir); err != nil {
		r.stop(logger, taskID, err)
		return
	}
	if r.parser == nil {
		r.stop(logger, taskID, errors.New("no parser configured"))
		return
	}

	if err := r.processFiles(ctx, taskID, files, snapshot.UseCache); err != nil {
		r.stop(logger, taskID, err)
		return
	}
	r.finish(ctx, logger, taskID, len(files))
}

func (r *Runner) processFiles(ctx context.Context, taskID string, files []string, useCache bool) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)

	for index, name := range files {
		if ctx.Err() != nil {
			break
		}
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			return r.processFile(groupCtx, taskID, index, name, useCache)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errShutdown
	}
	return nil
}

func (r *Runner) processFile(ctx context.Context, taskID string, index int, name string, useCache bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.mu.Lock()
	e, err := r.registry.apply(taskID, Progress{
		Count:   r.count,
		Current: name,
		Log:     "processing file " + name,
	})
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.registry.persist(e)

	result := FileResult{Index: index, File: name}
	data, parseErr := r.parser.Parse(ctx, filepath.Join(r.inputDir, name), useCache)
	if parseErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if parseErr == nil {
		raw, err := json.Marshal(data)
		if err != nil {
			parseErr = fmt.Errorf("encode result: %w", err)
		} else {
			result.Data = raw
		}
	}
	message := "file " + name + " processed"
	if parseErr != nil {
		result.Error = parseErr.Error()
		message = "file " + name + " failed: " + parseErr.Error()
		log.Warn().Str("task_id", taskID).Str("file", name).Err(parseErr).Msg("parse failed")
	}

	r.mu.Lock()
	e, err = r.registry.apply(taskID, Progress{
		Count:   r.count + 1,
		Current: name,
		Result:  &result,
		Log:     message,
	})
	if err == nil {
		r.count++
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.registry.persist(e)
	return nil
}

func (r *Runner) finish(ctx context.Context, logger zerolog.Logger, taskID string, total int) {
	snapshot, err := r.registry.Get(taskID)
	if err != nil {
		r.stop(logger, taskID, err)
		return
	}
	err = r.registry.UpdateProgress(taskID, Progress{
		Count:   total,
		Current: "generating results",
		Log:     fmt.Sprintf("batch processed: %d files, %d failed", total, snapshot.Failures),
	})
	if err != nil {
		r.stop(logger, taskID, err)
		return
	}

	claimed, err := r.registry.ClaimArtifacts(taskID)
	if err != nil || !claimed {
		logger.Warn().Err(err).Msg("artifacts already claimed")
		return
	}
	if r.artifacts == nil {
		r.stop(logger, taskID, errors.New("no artifact generator configured"))
		return
	}

	results, lines, err := r.registry.Results(taskID)
	if err != nil {
		r.stop(logger, taskID, err)
		return
	}
	slices.SortFunc(results, func(a, b FileResult) int { return a.Index - b.Index })

	artifacts, err := r.artifacts.Generate(ctx, taskID, results, lines)
	if err != nil {
		r.stop(logger, taskID, fmt.Errorf("generate artifacts: %w", err))
		return
	}
	if err := r.registry.Finalize(taskID, Outcome{Status: StatusCompleted, Artifacts: &artifacts}); err != nil {
		logger.Warn().Err(err).Msg("finalize completed task failed")
		r.dropArtifacts(logger, taskID)
		return
	}

	// A cancel or delete racing with generation wins; drop the orphaned outputs.
	if final, err := r.registry.Get(taskID); err != nil || final.Status != StatusCompleted {
		r.dropArtifacts(logger, taskID)
		return
	}
	logger.Info().Int("total", total).Int("failed", snapshot.Failures).Msg("batch completed")
}

func (r *Runner) dropArtifacts(logger zerolog.Logger, taskID string) {
	if err := r.artifacts.Remove(taskID); err != nil {
		logger.Warn().Err(err).Msg("remove orphaned artifacts failed")
		return
	}
	logger.Info().Msg("orphaned artifacts removed")
}

// stop ends the run. A task that was cancelled or deleted meanwhile is left
// as is; any other error fails the task.
func (r *Runner) stop(logger zerolog.Logger, taskID string, cause error) {
	if errors.Is(cause, ErrAlreadyTerminal) || errors.Is(cause, ErrTaskNotFound) {
		logger.Info().Err(cause).Msg("batch stopped")
		return
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		cause = errShutdown
	}
	if errors.Is(cause, ErrInvalidTransition) {
		logger.Error().Err(cause).Msg("invalid task transition")
	} else {
		logger.Warn().Err(cause).Msg("batch failed")
	}
	if err := r.registry.Finalize(taskID, Outcome{Status: StatusFailed, Error: cause.Error()}); err != nil {
		logger.Warn().Err(err).Msg("finalize failed task failed")
	}
}

func checkInputDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("input dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input dir %s is not a directory", dir)
	}
	f, err := os.Open(dir) //nolint:gosec // directory comes from configuration
	if err != nil {
		return fmt.Errorf("input dir: %w", err)
	}
	return f.Close()
}
