package document

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/parser"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return &Store{
		Dir:      filepath.Join(root, "pdf"),
		CacheDir: filepath.Join(root, "cache"),
		ThumbDir: filepath.Join(root, "thumbnails"),
	}
}

func TestSaveListAndStatus(t *testing.T) {
	s := newTestStore(t)
	var rendered []string
	s.Thumbnail = func(src, dst string) error {
		rendered = append(rendered, filepath.Base(src))
		return os.WriteFile(dst, []byte("jpg"), 0o600)
	}
	require.NoError(t, os.MkdirAll(s.ThumbDir, 0o750))

	doc, err := s.Save("RU77-ГПЗУ.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "RU77-ГПЗУ", doc.ID)
	assert.Equal(t, NotParsed, doc.Status)
	assert.Equal(t, int64(8), doc.Size)
	assert.Equal(t, "RU77-ГПЗУ_168x.jpg", doc.Thumbnail)
	assert.Equal(t, []string{"RU77-ГПЗУ.pdf"}, rendered)

	_, err = s.Save("b.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.CacheDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(s.CacheDir, parser.CacheFileName("b.pdf")), []byte(`{}`), 0o600))

	status, err := s.Status("b")
	require.NoError(t, err)
	assert.Equal(t, Parsed, status)
	status, err = s.Status("RU77-ГПЗУ.pdf")
	require.NoError(t, err)
	assert.Equal(t, NotParsed, status)

	docs, err := s.List()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "RU77-ГПЗУ", docs[0].ID, "unparsed documents first")
	assert.Equal(t, "b", docs[1].ID)
}

func TestSaveRejectsNonPDF(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save("notes.txt", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = s.Save(".pdf", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestSaveDropsStaleCache(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save("a.pdf", strings.NewReader("v1"))
	require.NoError(t, err)
	cache := filepath.Join(s.CacheDir, parser.CacheFileName("a.pdf"))
	require.NoError(t, os.MkdirAll(s.CacheDir, 0o750))
	require.NoError(t, os.WriteFile(cache, []byte(`{}`), 0o600))

	doc, err := s.Save("a.pdf", strings.NewReader("v2"))
	require.NoError(t, err)
	assert.Equal(t, NotParsed, doc.Status)
	assert.NoFileExists(t, cache)
}

func TestThumbnailFailureDoesNotFailSave(t *testing.T) {
	s := newTestStore(t)
	s.Thumbnail = func(string, string) error { return errors.New("no renderer") }
	doc, err := s.Save("a.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	assert.Empty(t, doc.Thumbnail)
	_, err = s.ThumbnailPath("a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndPath(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save("a.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)

	path, err := s.Path("a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir, "a.pdf"), path)

	require.NoError(t, s.Delete("a"))
	assert.NoFileExists(t, path)
	require.ErrorIs(t, s.Delete("a"), ErrNotFound)

	_, err = s.Path("../etc/passwd")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestListMissingDir(t *testing.T) {
	s := newTestStore(t)
	docs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, docs)
}
