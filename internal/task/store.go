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

	"github.com/rs/zerolog/log"

	fileutil "docbatch/internal/file"
)

// TaskStore persists task snapshots between runs. Implementations are
// best-effort: the registry logs and ignores write failures.
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
	LoadTasks(ctx context.Context) ([]*Task, error)
	DeleteTask(ctx context.Context, taskID string) error
}

const (
	tasksDirName   = "tasks"
	statusFileName = "status.json"
)

var errBadTaskID = errors.New("invalid task id")

// fileStore keeps one status.json per task under <dataDir>/tasks/<id>/.
type fileStore struct {
	root string
}

func NewFileStore(dataDir string) TaskStore { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{root: filepath.Join(dataDir, tasksDirName)}
}

func (s *fileStore) dir(taskID string) (string, error) {
	if taskID == "" || taskID == "." || taskID == ".." || strings.ContainsAny(taskID, `/\`) {
		return "", fmt.Errorf("%w: %q", errBadTaskID, taskID)
	}
	return filepath.Join(s.root, taskID), nil
}

func (s *fileStore) SaveTask(ctx context.Context, t *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.dir(t.ID)
	if err != nil {
		return err
	}
	if err := fileutil.EnsureDir(dir); err != nil {
		return fmt.Errorf("ensure task dir: %w", err)
	}
	return fileutil.WriteJSONAtomic(filepath.Join(dir, statusFileName), t) //nolint:wrapcheck
}

func (s *fileStore) DeleteTask(_ context.Context, taskID string) error {
	dir, err := s.dir(taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove task dir: %w", err)
	}
	return nil
}

// LoadTasks returns every readable task ordered by creation time. Unreadable
// entries are logged and skipped.
func (s *fileStore) LoadTasks(ctx context.Context) ([]*Task, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	tasks := make([]*Task, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		t, err := readStatus(filepath.Join(s.root, e.Name(), statusFileName))
		if err != nil {
			log.Warn().Str("task_id", e.Name()).Err(err).Msg("skip stored task")
			continue
		}
		tasks = append(tasks, t)
	}
	slices.SortFunc(tasks, func(a, b *Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return tasks, nil
}

func readStatus(path string) (*Task, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path built from the store root
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", statusFileName, err)
	}
	if t.ID == "" {
		return nil, errBadTaskID
	}
	return &t, nil
}
