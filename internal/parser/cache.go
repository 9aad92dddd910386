package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	fileutil "docbatch/internal/file"
)

type cacheEntry struct {
	Text map[int]string `json:"text"`
}

// CacheFileName maps a document name to the name of its text cache file.
func CacheFileName(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".json"
}

func readCache(path string) (map[int]string, error) {
	b, err := os.ReadFile(path) //nolint:gosec // cache dir is app-owned
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	var entry cacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("decode cache: %w", err)
	}
	if len(entry.Text) == 0 {
		return nil, fmt.Errorf("decode cache: %w", ErrNoText)
	}
	return entry.Text, nil
}

func writeCache(path string, pages map[int]string) error {
	return fileutil.WriteJSONAtomic(path, cacheEntry{Text: pages}) //nolint:wrapcheck
}
