package parser

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/otiai10/gosseract/v2"
	"github.com/rs/zerolog/log"

	fileutil "docbatch/internal/file"
)

const (
	ocrDPI           = 300
	thumbnailQuality = 80
)

// FitzExtractor reads embedded page text with MuPDF and, when enabled, falls
// back to Tesseract for pages that carry no text layer.
type FitzExtractor struct {
	ocr       bool
	languages []string
}

func NewFitzExtractor(ocr bool, languages []string) *FitzExtractor {
	return &FitzExtractor{ocr: ocr, languages: append([]string(nil), languages...)}
}

func (e *FitzExtractor) Extract(ctx context.Context, path string) (map[int]string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrNoText)
	}

	var client *gosseract.Client
	defer func() {
		if client != nil {
			_ = client.Close()
		}
	}()

	pages := make(map[int]string, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.Text(i)
		if err != nil {
			return nil, fmt.Errorf("page %d text: %w", i+1, err)
		}
		text = joinLines(text)
		if text == "" && e.ocr {
			if client == nil {
				client = gosseract.NewClient()
				if len(e.languages) > 0 {
					if err := client.SetLanguage(e.languages...); err != nil {
						return nil, fmt.Errorf("set languages: %w", err)
					}
				}
			}
			text, err = e.recognize(doc, client, i)
			if err != nil {
				log.Warn().Err(err).Int("page", i+1).Msg("ocr failed")
			}
		}
		pages[i+1] = text
	}
	return pages, nil
}

func (e *FitzExtractor) recognize(doc *fitz.Document, client *gosseract.Client, page int) (string, error) {
	img, err := doc.ImageDPI(page, ocrDPI)
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode page: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return joinLines(text), nil
}

// joinLines flattens page text into a single line of space separated words.
func joinLines(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RenderThumbnail writes a JPEG of the first page of src, scaled to width
// pixels, to dst.
func RenderThumbnail(src, dst string, width int) error {
	doc, err := fitz.New(src)
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()
	if doc.NumPage() == 0 {
		return fmt.Errorf("%w: document has no pages", ErrNoText)
	}

	bound, err := doc.Bound(0)
	if err != nil {
		return fmt.Errorf("page bounds: %w", err)
	}
	dpi := 72.0
	if bound.Dx() > 0 && width > 0 {
		dpi = float64(width) * 72 / float64(bound.Dx())
	}
	img, err := doc.ImageDPI(0, dpi)
	if err != nil {
		return fmt.Errorf("render page: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	return fileutil.CopyAtomic(dst, &buf) //nolint:wrapcheck
}
