// Package document manages the uploaded PDF files a batch can refer to.
package document

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	fileutil "docbatch/internal/file"
	"docbatch/internal/parser"
)

const (
	Parsed    = "parsed"
	NotParsed = "not_parsed"

	pdfExt         = ".pdf"
	thumbnailWidth = 168
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidName = errors.New("invalid document name")
)

// Thumbnailer renders a preview image of a document.
type Thumbnailer func(src, dst string) error

// Document describes one stored PDF.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Status    string    `json:"status"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps documents in Dir, their text caches in CacheDir and optional
// previews in ThumbDir.
type Store struct {
	Dir       string
	CacheDir  string
	ThumbDir  string
	Thumbnail Thumbnailer
}

func NewStore(dir, cacheDir, thumbDir string) *Store {
	s := &Store{Dir: dir, CacheDir: cacheDir, ThumbDir: thumbDir}
	if thumbDir != "" {
		s.Thumbnail = func(src, dst string) error {
			return parser.RenderThumbnail(src, dst, thumbnailWidth)
		}
	}
	return s
}

// ID strips the .pdf extension; a bare id is returned unchanged.
func ID(name string) string {
	if strings.EqualFold(filepath.Ext(name), pdfExt) {
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// FileName is the inverse of ID.
func FileName(id string) string {
	return ID(id) + pdfExt
}

func validateID(id string) error {
	if id == "" || strings.TrimSpace(id) != id || filepath.Base(id) != id || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, id)
	}
	return nil
}

// List returns every stored document, unparsed ones first, then by name.
func (s *Store) List() ([]Document, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Document{}, nil
		}
		return nil, fmt.Errorf("read documents: %w", err)
	}
	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != pdfExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		docs = append(docs, s.describe(info))
	}
	slices.SortFunc(docs, func(a, b Document) int {
		if a.Status != b.Status {
			return strings.Compare(a.Status, b.Status)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return docs, nil
}

// Get describes a single document.
func (s *Store) Get(id string) (Document, error) {
	path, err := s.Path(id)
	if err != nil {
		return Document{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, fmt.Errorf("stat document: %w", err)
	}
	return s.describe(info), nil
}

func (s *Store) describe(info os.FileInfo) Document {
	id := ID(info.Name())
	d := Document{
		ID:        id,
		Name:      info.Name(),
		Size:      info.Size(),
		Status:    s.status(id),
		UpdatedAt: info.ModTime().UTC(),
	}
	if s.ThumbDir != "" && fileutil.Exists(s.thumbPath(id)) {
		d.Thumbnail = filepath.Base(s.thumbPath(id))
	}
	return d
}

// Path returns the location of the document with the given id.
func (s *Store) Path(id string) (string, error) {
	id = ID(id)
	if err := validateID(id); err != nil {
		return "", err
	}
	path := filepath.Join(s.Dir, FileName(id))
	if !fileutil.Exists(path) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return path, nil
}

// Status reports whether the document text is already cached.
func (s *Store) Status(id string) (string, error) {
	if _, err := s.Path(id); err != nil {
		return "", err
	}
	return s.status(ID(id)), nil
}

func (s *Store) status(id string) string {
	if s.CacheDir != "" && fileutil.Exists(filepath.Join(s.CacheDir, parser.CacheFileName(FileName(id)))) {
		return Parsed
	}
	return NotParsed
}

func (s *Store) thumbPath(id string) string {
	return filepath.Join(s.ThumbDir, id+"_168x.jpg")
}

// ThumbnailPath returns the preview of a document if one was rendered.
func (s *Store) ThumbnailPath(id string) (string, error) {
	if _, err := s.Path(id); err != nil {
		return "", err
	}
	p := s.thumbPath(ID(id))
	if s.ThumbDir == "" || !fileutil.Exists(p) {
		return "", fmt.Errorf("%w: no thumbnail for %s", ErrNotFound, id)
	}
	return p, nil
}

// Save stores r under name, replacing an existing document of the same name.
// A stale text cache is dropped.
func (s *Store) Save(name string, r io.Reader) (Document, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if !strings.EqualFold(filepath.Ext(name), pdfExt) {
		return Document{}, fmt.Errorf("%w: %q is not a pdf", ErrInvalidName, name)
	}
	id := ID(name)
	if err := validateID(id); err != nil {
		return Document{}, err
	}
	path := filepath.Join(s.Dir, FileName(id))
	if err := fileutil.CopyAtomic(path, r); err != nil {
		return Document{}, fmt.Errorf("save document: %w", err)
	}
	s.removeCache(id)

	if s.Thumbnail != nil {
		if err := s.Thumbnail(path, s.thumbPath(id)); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("thumbnail not rendered")
		}
	}
	log.Info().Str("file", name).Msg("document stored")
	return s.Get(id)
}

// Delete removes the document with its cache and thumbnail.
func (s *Store) Delete(id string) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove document: %w", err)
	}
	id = ID(id)
	s.removeCache(id)
	if s.ThumbDir != "" {
		_ = os.Remove(s.thumbPath(id))
	}
	log.Info().Str("file", FileName(id)).Msg("document deleted")
	return nil
}

func (s *Store) removeCache(id string) {
	if s.CacheDir == "" {
		return
	}
	err := os.Remove(filepath.Join(s.CacheDir, parser.CacheFileName(FileName(id))))
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", FileName(id)).Msg("remove text cache")
	}
}
