// Package artifact renders the results of a finished batch into the files
// clients download: a JSON document, a spreadsheet and the processing log.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	fileutil "docbatch/internal/file"
	"docbatch/internal/task"
)

const (
	JSONName = "batch.json"
	XLSXName = "batch.xlsx"
	LogName  = "log.txt"

	sheetName     = "batch"
	fileColumn    = "file"
	errorColumn   = "error"
	failedMarker  = "Error"
	maxCellLength = 32767
)

// Generator writes artifacts under Dir/<task id>/.
type Generator struct {
	Dir string
}

func NewGenerator(dir string) *Generator {
	return &Generator{Dir: dir}
}

func (g *Generator) taskDir(taskID string) (string, error) {
	if taskID == "" || filepath.Base(taskID) != taskID || taskID == "." || taskID == ".." {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	return filepath.Join(g.Dir, taskID), nil
}

// Generate writes all artifacts for one task. On failure nothing is left
// behind.
func (g *Generator) Generate(ctx context.Context, taskID string, results []task.FileResult, lines []string) (task.Artifacts, error) {
	dir, err := g.taskDir(taskID)
	if err != nil {
		return task.Artifacts{}, err
	}
	out := task.Artifacts{
		JSON: filepath.Join(dir, JSONName),
		XLSX: filepath.Join(dir, XLSXName),
		Log:  filepath.Join(dir, LogName),
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"json", func() error { return writeJSON(out.JSON, results) }},
		{"xlsx", func() error { return writeXLSX(out.XLSX, results) }},
		{"log", func() error { return writeLog(out.Log, lines) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(dir)
			return task.Artifacts{}, err
		}
		if err := step.fn(); err != nil {
			_ = os.RemoveAll(dir)
			return task.Artifacts{}, fmt.Errorf("write %s: %w", step.name, err)
		}
	}
	log.Debug().Str("task_id", taskID).Str("dir", dir).Msg("artifacts written")
	return out, nil
}

// Remove deletes every artifact of the task. Missing artifacts are not an error.
func (g *Generator) Remove(taskID string) error {
	dir, err := g.taskDir(taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	return nil
}

// documentID strips the extension from a file name.
func documentID(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

type batchEntry struct {
	key string
	val json.RawMessage
}

// batchDocument marshals as a JSON object keeping entry order.
type batchDocument []batchEntry

func (d batchDocument) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(e.val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(path string, results []task.FileResult) error {
	failed, _ := json.Marshal(failedMarker)
	doc := make(batchDocument, 0, len(results))
	used := make(map[string]bool, len(results))
	for _, r := range results {
		base := documentID(r.File)
		key := base
		for n := 2; used[key]; n++ {
			key = fmt.Sprintf("%s (%d)", base, n)
		}
		used[key] = true
		val := json.RawMessage(failed)
		if !r.Failed() && len(r.Data) > 0 {
			val = r.Data
		}
		doc = append(doc, batchEntry{key: key, val: val})
	}
	return fileutil.WriteJSONIndentAtomic(path, doc) //nolint:wrapcheck
}

// rowsFor flattens one file result. Failed files become a single row carrying
// the error message.
func rowsFor(r task.FileResult) (table, error) {
	if r.Failed() || len(r.Data) == 0 {
		msg := r.Error
		if msg == "" {
			msg = failedMarker
		}
		return table{columns: []string{errorColumn}, rows: []row{{errorColumn: msg}}}, nil
	}
	v, err := decodeOrdered(r.Data)
	if err != nil {
		return table{}, fmt.Errorf("decode %s: %w", r.File, err)
	}
	if _, ok := v.(object); !ok {
		v = object{{key: "value", val: v}}
	}
	return flatten(v, ""), nil
}

func buildSheet(results []task.FileResult) (table, error) {
	out := table{columns: []string{fileColumn}}
	for _, r := range results {
		t, err := rowsFor(r)
		if err != nil {
			return table{}, err
		}
		for _, c := range t.columns {
			out.addColumn(c)
		}
		for _, rw := range t.rows {
			rw[fileColumn] = documentID(r.File)
			out.rows = append(out.rows, rw)
		}
	}
	return out, nil
}

func writeXLSX(path string, results []task.FileResult) error {
	sheet, err := buildSheet(results)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			log.Warn().Err(err).Msg("close workbook")
		}
	}()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]any, len(sheet.columns))
	for i, c := range sheet.columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, rw := range sheet.rows {
		for j, c := range sheet.columns {
			v := cellValue(rw[c])
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return fmt.Errorf("write %s: %w", cell, err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("encode workbook: %w", err)
	}
	return fileutil.CopyAtomic(path, &buf) //nolint:wrapcheck
}

// cellValue converts decoded JSON scalars into values excelize stores natively.
func cellValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case string:
		return truncate(val, maxCellLength)
	default:
		return val
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func writeLog(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return fileutil.CopyAtomic(path, strings.NewReader(b.String())) //nolint:wrapcheck
}

var _ task.ArtifactGenerator = (*Generator)(nil)

// ErrUnknownKind is returned for an artifact kind other than json, xlsx or log.
var ErrUnknownKind = errors.New("unknown artifact kind")

// ContentType returns the MIME type and download name of an artifact kind.
func ContentType(kind task.ArtifactKind) (mime, name string, err error) {
	switch kind {
	case task.ArtifactJSON:
		return "application/json", JSONName, nil
	case task.ArtifactXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", XLSXName, nil
	case task.ArtifactLog:
		return "text/plain; charset=utf-8", LogName, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
