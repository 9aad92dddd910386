package task

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ArtifactKind names one of the generated batch outputs.
type ArtifactKind string

const (
	ArtifactJSON ArtifactKind = "json"
	ArtifactXLSX ArtifactKind = "xlsx"
	ArtifactLog  ArtifactKind = "log"
)

// ArtifactKinds lists every kind a completed task exposes.
var ArtifactKinds = []ArtifactKind{ArtifactJSON, ArtifactXLSX, ArtifactLog}

// Artifacts holds filesystem paths of the generated outputs.
type Artifacts struct {
	JSON string `json:"json"`
	XLSX string `json:"xlsx"`
	Log  string `json:"log"`
}

// Path returns the artifact path for kind, or "" when unknown.
func (a Artifacts) Path(kind ArtifactKind) string {
	switch kind {
	case ArtifactJSON:
		return a.JSON
	case ArtifactXLSX:
		return a.XLSX
	case ArtifactLog:
		return a.Log
	}
	return ""
}

func (a Artifacts) complete() bool {
	return a.JSON != "" && a.XLSX != "" && a.Log != ""
}

// FileResult is the outcome of parsing one input file. Exactly one of Data
// and Error is set.
type FileResult struct {
	Index int             `json:"index"`
	File  string          `json:"file"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (r FileResult) Failed() bool { return r.Error != "" }

// Task is the canonical, persisted state of one batch run.
type Task struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Total     int          `json:"total"`
	Count     int          `json:"count"`
	Current   string       `json:"current"`
	Files     []string     `json:"files"`
	Results   []FileResult `json:"results"`
	Log       []string     `json:"log"`
	Artifacts *Artifacts   `json:"artifacts,omitempty"`
	Error     string       `json:"error,omitempty"`
	UseCache  bool         `json:"use_cache"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Snapshot is an immutable copy of the observable part of a Task.
type Snapshot struct {
	ID        string
	Status    Status
	Total     int
	Count     int
	Current   string
	Failures  int
	Error     string
	UseCache  bool
	Artifacts *Artifacts
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Progress is a single compare-and-set update applied by UpdateProgress.
// Count must either equal the stored count (no Result) or exceed it by
// exactly one (with Result). An empty Status keeps the current one.
type Progress struct {
	Count   int
	Current string
	Status  Status
	Result  *FileResult
	Log     string
}

// Outcome describes how a task is finalized.
type Outcome struct {
	Status    Status
	Artifacts *Artifacts
	Error     string
}

// Parser converts one input document into a JSON-serialisable record.
type Parser interface {
	Parse(ctx context.Context, path string, useCache bool) (any, error)
}

// ArtifactGenerator turns the accumulated results of a terminal task into
// downloadable outputs.
type ArtifactGenerator interface {
	Generate(ctx context.Context, taskID string, results []FileResult, log []string) (Artifacts, error)
	Remove(taskID string) error
}

type Options struct {
	DataDir            string
	InputDir           string
	MaxConcurrentTasks int
	MaxPendingTasks    int
	FileConcurrency    int
	Retention          time.Duration
	Store              TaskStore
	Parser             Parser
	Artifacts          ArtifactGenerator
}

const (
	defaultMaxConcurrent = 3
	defaultMaxPending    = 16
	defaultRetention     = 24 * time.Hour

	phasePreparing = "preparing"
	phaseDone      = "done"
)
