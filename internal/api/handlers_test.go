package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"docbatch/internal/artifact"
	"docbatch/internal/document"
	"docbatch/internal/task"
)

type stubParser struct {
	fail  map[string]bool
	block chan struct{}
}

func (p *stubParser) Parse(ctx context.Context, path string, useCache bool) (any, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	name := filepath.Base(path)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if p.fail[name] {
		return nil, errors.New("cannot read " + name)
	}
	return map[string]any{"file": name, "cached": useCache}, nil
}

type testEnv struct {
	router  *gin.Engine
	manager *task.Manager
	docs    *document.Store
}

func newTestEnv(t *testing.T, parser *stubParser, opts task.Options) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	root := t.TempDir()
	docs := document.NewStore(filepath.Join(root, "pdf"), filepath.Join(root, "cache"), "")
	if err := os.MkdirAll(docs.Dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	opts.InputDir = docs.Dir
	opts.Parser = parser
	opts.Artifacts = artifact.NewGenerator(filepath.Join(root, "artifacts"))
	if opts.MaxConcurrentTasks == 0 {
		opts.MaxConcurrentTasks = 2
	}
	manager := task.NewManagerWithOptions(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if !manager.WaitAll(ctx) {
			t.Errorf("workers did not finish")
		}
	})

	router := gin.New()
	router.Use(ZerologLogger())
	NewAPI(manager, docs, parser).RegisterRoutes(router)
	return testEnv{router: router, manager: manager, docs: docs}
}

func (e testEnv) addDocs(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := e.docs.Save(name, strings.NewReader("%PDF-1.4")); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
}

func (e testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e testEnv) submit(t *testing.T, body string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/batch/process", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := e.do(req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp processResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != statusOK || resp.TaskID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	return resp.TaskID
}

func (e testEnv) status(t *testing.T, id string) taskResponse {
	t.Helper()
	w := e.do(httptest.NewRequest(http.MethodGet, "/batch/tasks/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp taskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func (e testEnv) waitTerminal(t *testing.T, id string) taskResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := e.status(t, id)
		if resp.Data.Status.Terminal() {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for task %s", id)
	return taskResponse{}
}

func TestProcessBatchAndDownload(t *testing.T) {
	env := newTestEnv(t, &stubParser{fail: map[string]bool{"b.pdf": true}}, task.Options{})
	env.addDocs(t, "a.pdf", "b.pdf", "c.pdf")

	id := env.submit(t, `{"devplans":["a","b.pdf"," c "],"use_cache":false}`)
	resp := env.waitTerminal(t, id)
	if resp.Status != statusOK {
		t.Fatalf("unexpected envelope %q", resp.Status)
	}
	data := resp.Data
	if data.Status != task.StatusCompleted || data.Count != 3 || data.Total != 3 || data.Failures != 1 {
		t.Fatalf("unexpected task data %+v", data)
	}
	if data.Result == nil || data.Result.JSON != "/batch/tasks/"+id+"/json" {
		t.Fatalf("missing result links: %+v", data.Result)
	}

	w := env.do(httptest.NewRequest(http.MethodGet, data.Result.JSON, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("json download: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("json content type: %q", ct)
	}
	var batch map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &batch); err != nil {
		t.Fatalf("batch json: %v", err)
	}
	if batch["b"] != "Error" {
		t.Fatalf("expected failed file marked as Error, got %v", batch["b"])
	}
	if doc, ok := batch["a"].(map[string]any); !ok || doc["cached"] != false {
		t.Fatalf("unexpected entry for a: %v", batch["a"])
	}

	downloads := map[string]string{
		data.Result.XLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		data.Result.Log:  "text/plain; charset=utf-8",
	}
	for _, link := range []string{data.Result.XLSX, data.Result.Log} {
		w = env.do(httptest.NewRequest(http.MethodGet, link, nil))
		if w.Code != http.StatusOK || w.Body.Len() == 0 {
			t.Fatalf("download %s: %d", link, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != downloads[link] {
			t.Fatalf("download %s content type: %q", link, ct)
		}
	}
	if !strings.Contains(w.Body.String(), "cannot read b.pdf") {
		t.Fatalf("log does not mention the failure: %q", w.Body.String())
	}
}

func TestProcessBatchForm(t *testing.T) {
	env := newTestEnv(t, &stubParser{}, task.Options{})
	env.addDocs(t, "a.pdf", "b.pdf")

	form := url.Values{"devplans": {"a.pdf", "b.pdf"}, "use_cache": {"true"}}
	req := httptest.NewRequest(http.MethodPost, "/batch/process", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := env.do(req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp processResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if got := env.waitTerminal(t, resp.TaskID); got.Data.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %+v", got.Data)
	}
}

func TestProcessBatchValidation(t *testing.T) {
	env := newTestEnv(t, &stubParser{}, task.Options{})
	for _, body := range []string{`{"devplans":[]}`, `{"devplans":["../x"]}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/batch/process", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if w := env.do(req); w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestMissingDocumentFailsOnlyThatFile(t *testing.T) {
	env := newTestEnv(t, &stubParser{}, task.Options{})
	env.addDocs(t, "a.pdf")
	id := env.submit(t, `{"devplans":["a","ghost"]}`)
	resp := env.waitTerminal(t, id)
	if resp.Data.Status != task.StatusCompleted || resp.Data.Count != 2 {
		t.Fatalf("unexpected task data %+v", resp.Data)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t, &stubParser{}, task.Options{})
	for _, path := range []string{"/batch/tasks/missing", "/batch/tasks/missing/json"} {
		w := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != `{"status":"Not found"}` {
			t.Fatalf("%s: unexpected body %s", path, w.Body.String())
		}
	}
}

func TestDownloadBeforeCompletionAndCancel(t *testing.T) {
	parser := &stubParser{block: make(chan struct{})}
	env := newTestEnv(t, parser, task.Options{})
	var once sync.Once
	release := func() { once.Do(func() { close(parser.block) }) }
	t.Cleanup(release)
	env.addDocs(t, "a.pdf", "b.pdf")

	id := env.submit(t, `{"devplans":["a","b"]}`)
	if w := env.do(httptest.NewRequest(http.MethodGet, "/batch/tasks/"+id+"/json", nil)); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before completion, got %d", w.Code)
	}
	if w := env.do(httptest.NewRequest(http.MethodGet, "/batch/tasks/"+id+"/pdf", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, got %d", w.Code)
	}
	if resp := env.status(t, id); resp.Data.Result != nil || resp.Data.Status.Terminal() {
		t.Fatalf("unexpected in-flight data %+v", resp.Data)
	}

	if w := env.do(httptest.NewRequest(http.MethodPost, "/batch/tasks/"+id+"/cancel", nil)); w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", w.Code)
	}
	release()
	resp := env.waitTerminal(t, id)
	if resp.Data.Status != task.StatusFailed || resp.Data.Error != "cancelled" || resp.Data.Result != nil {
		t.Fatalf("unexpected cancelled data %+v", resp.Data)
	}

	if w := env.do(httptest.NewRequest(http.MethodPost, "/batch/tasks/missing/cancel", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("cancel missing: expected 404, got %d", w.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t, &stubParser{}, task.Options{})
	env.addDocs(t, "a.pdf")
	id := env.submit(t, `{"devplans":["a"]}`)
	env.waitTerminal(t, id)

	if w := env.do(httptest.NewRequest(http.MethodDelete, "/batch/tasks/"+id, nil)); w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if w := env.do(httptest.NewRequest(http.MethodGet, "/batch/tasks/"+id, nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
	if w := env.do(httptest.NewRequest(http.MethodDelete, "/batch/tasks/"+id, nil)); w.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", w.Code)
	}
}

func TestServerBusy(t *testing.T) {
	parser := &stubParser{block: make(chan struct{})}
	env := newTestEnv(t, parser, task.Options{MaxConcurrentTasks: 1, MaxPendingTasks: 1})
	t.Cleanup(func() { close(parser.block) })
	env.addDocs(t, "a.pdf")

	env.submit(t, `{"devplans":["a"]}`)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if running, _ := env.manager.Stats(); running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first batch never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.submit(t, `{"devplans":["a"]}`)

	req := httptest.NewRequest(http.MethodPost, "/batch/process", strings.NewReader(`{"devplans":["a"]}`))
	req.Header.Set("Content-Type", "application/json")
	if w := env.do(req); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"pending":1`) {
		t.Fatalf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}

func multipartUpload(t *testing.T, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, contentType := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+name+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = io.WriteString(part, "%PDF-1.4")
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/devplans", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t, &stubParser{}, task.Options{})

	if w := env.do(multipartUpload(t, map[string]string{"a.txt": "text/plain"})); w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 for non-pdf, got %d", w.Code)
	}
	if w := env.do(multipartUpload(t, map[string]string{"RU77-ГПЗУ.pdf": pdfContentType})); w.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/devplans", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "RU77-ГПЗУ") {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}

	id := url.PathEscape("RU77-ГПЗУ")
	w = env.do(httptest.NewRequest(http.MethodGet, "/devplans/"+id+"/status", nil))
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"status":"not_parsed"}` {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/devplans/"+id+"/json?use_cache=false", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cached":false`) {
		t.Fatalf("parse: %d %s", w.Code, w.Body.String())
	}
	if w = env.do(httptest.NewRequest(http.MethodGet, "/devplans/"+id+"/json?use_cache=maybe", nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad use_cache, got %d", w.Code)
	}

	if w = env.do(httptest.NewRequest(http.MethodDelete, "/devplans/"+id, nil)); w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	if w = env.do(httptest.NewRequest(http.MethodGet, "/devplans/"+id+"/status", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestParseDocumentFailure(t *testing.T) {
	env := newTestEnv(t, &stubParser{fail: map[string]bool{"a.pdf": true}}, task.Options{})
	env.addDocs(t, "a.pdf")
	w := env.do(httptest.NewRequest(http.MethodGet, "/devplans/a/json", nil))
	if w.Code != http.StatusUnprocessableEntity || !strings.Contains(w.Body.String(), "cannot read a.pdf") {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
	if w = env.do(httptest.NewRequest(http.MethodGet, "/devplans/missing/json", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing document, got %d", w.Code)
	}
}

func TestFetchDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plan.pdf" {
			_, _ = io.WriteString(w, "%PDF-1.4")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	env := newTestEnv(t, &stubParser{}, task.Options{})
	body := `{"urls":["` + srv.URL + `/plan.pdf","` + srv.URL + `/missing.pdf"]}`
	req := httptest.NewRequest(http.MethodPost, "/devplans/fetch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("fetch: %d %s", w.Code, w.Body.String())
	}
	if _, err := env.docs.Path("plan"); err != nil {
		t.Fatalf("fetched document not stored: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/devplans/fetch", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if w = env.do(req); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without urls, got %d", w.Code)
	}
}
