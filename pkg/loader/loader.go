// Package loader reads uploaded files and web pages into documents.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

const pageSeparator = "\n\n"

// DefaultAllowedExtensions lists the file types accepted for upload.
var DefaultAllowedExtensions = []string{".pdf", ".txt", ".md", ".html"}

type LoaderConfig struct {
	AllowedExtensions []string
	// MaxBytes rejects larger files; zero means no limit.
	MaxBytes    int64
	PDFPassword string
	Logger      logger.Logger
}

// Loader turns a file on disk into a single document.
type Loader struct {
	config  LoaderConfig
	allowed map[string]bool
}

var _ types.Loader = (*Loader)(nil)

func NewWithConfig(config LoaderConfig) (*Loader, error) {
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = DefaultAllowedExtensions
	}
	if config.MaxBytes < 0 {
		return nil, fmt.Errorf("max bytes cannot be negative")
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}

	allowed := make(map[string]bool, len(config.AllowedExtensions))
	for _, ext := range config.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if !supported(ext) {
			return nil, fmt.Errorf("no reader for %q files", ext)
		}
		allowed[ext] = true
	}

	return &Loader{config: config, allowed: allowed}, nil
}

func New() *Loader {
	l, _ := NewWithConfig(LoaderConfig{})
	return l
}

func supported(ext string) bool {
	switch ext {
	case ".pdf", ".txt", ".md", ".markdown", ".html", ".htm":
		return true
	}
	return false
}

// Accept reports whether path has an allowed extension. It never touches
// the file.
func (l *Loader) Accept(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !l.allowed[ext] {
		return &types.LoadError{
			Source: path,
			Err:    fmt.Errorf("%w: %q", types.ErrUnsupportedType, ext),
		}
	}
	return nil
}

// Load reads path and returns its text. PDF pages are joined with a blank
// line between them.
func (l *Loader) Load(ctx context.Context, path string) (models.Document, error) {
	if err := l.Accept(path); err != nil {
		return models.Document{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return models.Document{}, &types.LoadError{Source: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.Document{}, &types.LoadError{Source: path, Err: err}
	}
	if info.IsDir() {
		return models.Document{}, &types.LoadError{Source: path, Err: errors.New("is a directory")}
	}
	if l.config.MaxBytes > 0 && info.Size() > l.config.MaxBytes {
		return models.Document{}, &types.LoadError{
			Source: path,
			Err:    fmt.Errorf("file is %d bytes, limit is %d", info.Size(), l.config.MaxBytes),
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	var pages []schema.Document
	switch ext {
	case ".pdf":
		pages, err = l.loadPDF(ctx, f, info.Size())
	case ".html", ".htm":
		pages, err = documentloaders.NewHTML(f).Load(ctx)
	default:
		pages, err = documentloaders.NewText(f).Load(ctx)
	}
	if err != nil {
		return models.Document{}, &types.LoadError{Source: path, Err: err}
	}

	doc := models.Document{
		ID:      uuid.NewString(),
		Source:  path,
		Title:   filepath.Base(path),
		Content: joinPages(pages),
		Metadata: map[string]interface{}{
			"pages": len(pages),
			"bytes": info.Size(),
			"type":  strings.TrimPrefix(ext, "."),
		},
	}

	l.config.Logger.Debug("loaded document", "source", path, "pages", len(pages), "chars", len(doc.Content))
	return doc, nil
}

// loadPDF converts panics from the PDF parser on malformed input into
// errors.
func (l *Loader) loadPDF(ctx context.Context, f *os.File, size int64) (pages []schema.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	var opts []documentloaders.PDFOptions
	if l.config.PDFPassword != "" {
		opts = append(opts, documentloaders.WithPassword(l.config.PDFPassword))
	}
	return documentloaders.NewPDF(f, size, opts...).Load(ctx)
}

func joinPages(pages []schema.Document) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if text := strings.TrimSpace(p.PageContent); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, pageSeparator)
}
