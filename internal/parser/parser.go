// Package parser extracts page text from PDF documents and searches it for
// configured terms with a bounded edit distance.
package parser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const defaultMaxDistance = 10

var (
	ErrNotPDF = errors.New("not a pdf file")
	ErrNoText = errors.New("no text extracted")
)

// Extractor returns the text of every page keyed by 1-based page number.
type Extractor interface {
	Extract(ctx context.Context, path string) (map[int]string, error)
}

// Options configures a Parser.
type Options struct {
	CacheDir    string
	SearchTerms []string
	MaxDistance int
	Extractor   Extractor
}

// Parser turns a PDF file into a Result. It is safe for concurrent use.
type Parser struct {
	cacheDir    string
	terms       []string
	maxDistance int
	extractor   Extractor
}

func New(opts Options) *Parser {
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = defaultMaxDistance
	}
	if opts.Extractor == nil {
		opts.Extractor = NewFitzExtractor(false, nil)
	}
	return &Parser{
		cacheDir:    opts.CacheDir,
		terms:       append([]string(nil), opts.SearchTerms...),
		maxDistance: opts.MaxDistance,
		extractor:   opts.Extractor,
	}
}

// Parse implements the task parser contract.
func (p *Parser) Parse(ctx context.Context, path string, useCache bool) (any, error) {
	return p.ParseFile(ctx, path, useCache)
}

// ParseFile extracts text from path (or its cached copy when useCache is set)
// and matches the configured search terms against every page.
func (p *Parser) ParseFile(ctx context.Context, path string, useCache bool) (*Result, error) {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return nil, fmt.Errorf("%w: %s", ErrNotPDF, filepath.Base(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotPDF, filepath.Base(path))
	}

	pages, cached := p.loadCached(path, useCache)
	if !cached {
		pages, err = p.extractor.Extract(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", filepath.Base(path), err)
		}
		if !hasText(pages) {
			return nil, fmt.Errorf("%w: %s", ErrNoText, filepath.Base(path))
		}
		p.storeCache(path, pages)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches := findMatches(p.terms, pages, p.maxDistance)
	return &Result{
		Matches: matches,
		Text:    pages,
		Counts:  countMatches(matches),
	}, nil
}

func (p *Parser) loadCached(path string, useCache bool) (map[int]string, bool) {
	if !useCache || p.cacheDir == "" {
		return nil, false
	}
	pages, err := readCache(p.cachePath(path))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("text cache unreadable")
		}
		return nil, false
	}
	log.Debug().Str("file", filepath.Base(path)).Msg("text loaded from cache")
	return pages, true
}

func (p *Parser) storeCache(path string, pages map[int]string) {
	if p.cacheDir == "" {
		return
	}
	if err := writeCache(p.cachePath(path), pages); err != nil {
		log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("text cache not saved")
	}
}

func (p *Parser) cachePath(path string) string {
	return filepath.Join(p.cacheDir, CacheFileName(filepath.Base(path)))
}

func hasText(pages map[int]string) bool {
	for _, t := range pages {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}
