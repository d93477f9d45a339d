package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"golang.org/x/time/rate"
)

type WebConfig struct {
	RateLimit float64 // requests per second
	Timeout   time.Duration
	// MaxBytes caps the response body; zero means 10 MiB.
	MaxBytes       int64
	IgnorePatterns []string
	OnProgress     func(url string)
	Client         *http.Client
	Logger         logger.Logger
}

// WebLoader fetches a single page and keeps its main text. Links are not
// followed.
type WebLoader struct {
	config  WebConfig
	client  *http.Client
	limiter *rate.Limiter
}

var _ types.Loader = (*WebLoader)(nil)

func NewWebLoader(config WebConfig) (*WebLoader, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit cannot be negative")
	} else if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 10 << 20
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &WebLoader{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

func (w *WebLoader) Accept(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &types.LoadError{Source: rawURL, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &types.LoadError{Source: rawURL, Err: fmt.Errorf("%w: scheme %q", types.ErrUnsupportedType, u.Scheme)}
	}
	if u.Host == "" {
		return &types.LoadError{Source: rawURL, Err: fmt.Errorf("missing host")}
	}
	for _, pattern := range w.config.IgnorePatterns {
		if strings.Contains(rawURL, pattern) {
			return &types.LoadError{Source: rawURL, Err: fmt.Errorf("matches ignore pattern %q", pattern)}
		}
	}
	return nil
}

func (w *WebLoader) Load(ctx context.Context, rawURL string) (models.Document, error) {
	if err := w.Accept(rawURL); err != nil {
		return models.Document{}, err
	}
	if w.config.OnProgress != nil {
		w.config.OnProgress(rawURL)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return models.Document{}, &types.LoadError{Source: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Document{}, &types.LoadError{Source: rawURL, Err: err}
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return models.Document{}, &types.LoadError{Source: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Document{}, &types.LoadError{
			Source: rawURL,
			Err:    fmt.Errorf("received status code %d", resp.StatusCode),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.HasPrefix(contentType, "text/") {
		return models.Document{}, &types.LoadError{
			Source: rawURL,
			Err:    fmt.Errorf("%w: content type %q", types.ErrUnsupportedType, contentType),
		}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, w.config.MaxBytes))
	if err != nil {
		return models.Document{}, &types.LoadError{Source: rawURL, Err: err}
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = rawURL
	}

	document := models.Document{
		ID:      uuid.NewString(),
		Source:  rawURL,
		Title:   title,
		Content: extractMainContent(doc),
		Metadata: map[string]interface{}{
			"time":         time.Now(),
			"contentType":  contentType,
			"lastModified": resp.Header.Get("Last-Modified"),
		},
	}

	w.config.Logger.Debug("fetched page", "url", rawURL, "chars", len(document.Content))
	return document, nil
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

func cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}
	return strings.TrimSpace(content)
}

var mainSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".documentation",
	"#documentation",
}

func extractMainContent(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, footer").Remove()

	var content string
	for _, selector := range mainSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	// fall back to the whole body
	if strings.TrimSpace(content) == "" {
		content = doc.Find("body").Text()
	}

	return cleanContent(content)
}
