package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"docbatch/internal/artifact"
	"docbatch/internal/document"
	"docbatch/internal/task"
)

const batchPollInterval = 200 * time.Millisecond

var (
	batchNoCache bool
	batchOutDir  string
)

var batchCmd = &cobra.Command{
	Use:   "batch [document ...]",
	Short: "Process documents from the input directory without starting the server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		outDir := batchOutDir
		if outDir == "" {
			outDir = filepath.Join(cfg.DataDir, "artifacts")
		}

		files := make([]string, len(args))
		for i, a := range args {
			files[i] = document.FileName(filepath.Base(a))
		}

		tm := task.NewManagerWithOptions(task.Options{
			InputDir:           cfg.InputDir,
			MaxConcurrentTasks: 1,
			FileConcurrency:    cfg.FileConcurrency,
			Parser:             buildParser(cfg),
			Artifacts:          artifact.NewGenerator(outDir),
		})
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		tm.SetBaseContext(runCtx)

		snapshot, err := tm.Submit(files, !batchNoCache)
		if err != nil {
			return fmt.Errorf("submit batch: %w", err)
		}
		final, err := followBatch(ctx, tm, snapshot, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		tm.WaitAll(context.Background())
		return reportBatch(cmd.OutOrStdout(), final)
	},
}

func init() {
	batchCmd.Flags().BoolVar(&batchNoCache, "no-cache", false, "ignore cached text")
	batchCmd.Flags().StringVarP(&batchOutDir, "output", "o", "", "artifact directory (default <data_dir>/artifacts)")
}

// followBatch renders progress until the task reaches a terminal state.
func followBatch(ctx context.Context, tm *task.Manager, s task.Snapshot, out io.Writer) (task.Snapshot, error) {
	bar := progressbar.NewOptions(s.Total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("processing"),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(out) }),
	)
	ticker := time.NewTicker(batchPollInterval)
	defer ticker.Stop()
	for {
		current, err := tm.Get(s.ID)
		if err != nil {
			return task.Snapshot{}, err
		}
		bar.Describe(current.Current)
		_ = bar.Set(current.Count)
		if current.Status.Terminal() {
			_ = bar.Finish()
			return current, nil
		}
		select {
		case <-ctx.Done():
			_ = tm.Cancel(s.ID)
			return task.Snapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func reportBatch(out io.Writer, s task.Snapshot) error {
	if s.Status != task.StatusCompleted {
		color.New(color.FgRed).Fprintf(out, "✗ batch %s failed: %s\n", s.ID, s.Error)
		return errors.New("batch failed")
	}
	color.New(color.FgGreen).Fprintf(out, "✓ batch %s: %d files processed\n", s.ID, s.Count)
	if s.Failures > 0 {
		color.New(color.FgYellow).Fprintf(out, "⚠ %d files could not be parsed\n", s.Failures)
	}
	if s.Artifacts == nil {
		return nil
	}
	for _, kind := range task.ArtifactKinds {
		color.New(color.FgCyan).Fprintf(out, "→ %s: %s\n", kind, s.Artifacts.Path(kind))
	}
	return nil
}
