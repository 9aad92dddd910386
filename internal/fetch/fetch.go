// Package fetch downloads remote PDF documents into the document store.
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"docbatch/internal/document"
)

const defaultHTTPTimeout = 20 * time.Second

var (
	ErrNoURLs   = errors.New("no urls provided")
	errNotPDF   = errors.New("response is not a pdf")
	errTooLarge = errors.New("document too large")
	pdfMagic    = []byte("%PDF")
)

// maxDocumentSize caps a single download; larger bodies are rejected.
var maxDocumentSize int64 = 64 << 20

// Saver persists a downloaded document under name.
type Saver interface {
	Save(name string, r io.Reader) (document.Document, error)
}

// Result describes the outcome of downloading a single URL.
type Result struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Err      string `json:"error,omitempty"`
}

type ctxKey int

const (
	ctxKeyHTTPTimeout ctxKey = iota
)

// WithHTTPTimeout returns a child context that carries the HTTP client timeout
func WithHTTPTimeout(parent context.Context, timeout time.Duration) context.Context {
	return context.WithValue(parent, ctxKeyHTTPTimeout, timeout)
}

func httpTimeoutFromContext(ctx context.Context) time.Duration {
	v := ctx.Value(ctxKeyHTTPTimeout)
	if d, ok := v.(time.Duration); ok && d > 0 {
		return d
	}
	return defaultHTTPTimeout
}

// Download fetches every URL and stores the PDFs through saver. It always
// returns one Result per URL; failed downloads carry Err and store nothing.
func Download(ctx context.Context, saver Saver, urls []string) ([]Result, error) {
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	client := &http.Client{Timeout: httpTimeoutFromContext(ctx)}

	used := make(map[string]int, len(urls))
	results := make([]Result, len(urls))
	for i, rawURL := range urls {
		name := uniqueName(used, deriveFilename(rawURL, i))
		results[i] = fetchOne(ctx, client, saver, strings.TrimSpace(rawURL), name)
	}
	return results, nil
}

func fetchOne(ctx context.Context, client *http.Client, saver Saver, rawURL, filename string) Result {
	result := Result{URL: rawURL, Filename: filename}
	fail := func(err error, msg string) Result {
		result.Err = err.Error()
		log.Warn().Str("url", rawURL).Err(err).Msg(msg)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(err, "invalid url")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(err, "http request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Sprintf("http %d", resp.StatusCode)
		log.Warn().Str("url", rawURL).Int("status", resp.StatusCode).Msg("unexpected status code")
		return result
	}

	if resp.ContentLength > maxDocumentSize {
		return fail(fmt.Errorf("%w: %d bytes", errTooLarge, resp.ContentLength), "skipping oversized document")
	}

	body := bufio.NewReader(&cappedReader{r: resp.Body, max: maxDocumentSize})
	head, err := body.Peek(len(pdfMagic))
	if err != nil || !bytes.Equal(head, pdfMagic) {
		return fail(errNotPDF, "skipping non-pdf response")
	}
	if _, err := saver.Save(filename, body); err != nil {
		if errors.Is(err, errTooLarge) {
			return fail(errTooLarge, "skipping oversized document")
		}
		return fail(err, "store document failed")
	}
	log.Info().Str("url", rawURL).Str("file", filename).Msg("document downloaded")
	return result
}

// cappedReader fails once more than max bytes have been read, so an
// oversized body is never stored truncated.
type cappedReader struct {
	r    io.Reader
	read int64
	max  int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.max {
		return n, fmt.Errorf("%w: more than %d bytes", errTooLarge, c.max)
	}
	return n, err
}

// deriveFilename extracts a safe .pdf filename from URL or falls back to
// index-based naming
func deriveFilename(rawURL string, index int) string {
	fallback := fmt.Sprintf("file-%d.pdf", index+1)
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return fallback
	}
	p := trimmed
	if u, err := url.Parse(trimmed); err == nil {
		p = u.Path
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	base := path.Base(p)
	if base == "/" || base == "." || base == "" || strings.ContainsAny(base, `/\`) {
		return fallback
	}
	if !strings.EqualFold(path.Ext(base), ".pdf") {
		base += ".pdf"
	}
	return base
}

func uniqueName(used map[string]int, name string) string {
	used[name]++
	n := used[name]
	if n == 1 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}
