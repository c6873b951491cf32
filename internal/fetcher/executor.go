// Package fetcher turns URLs into CrawledPage records: one static GET, text
// extraction, content bounds, and an optional headless re-render for pages
// that only ship an app shell.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
	"github.com/JakeFAU/learning-bits-crawler/internal/markup"
	"github.com/JakeFAU/learning-bits-crawler/internal/metrics"
)

// Executor implements crawler.PageFetcher.
type Executor struct {
	static   crawler.Fetcher
	headless crawler.Fetcher
	detector crawler.HeadlessDetector
	clock    crawler.Clock
	logger   *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithHeadless enables re-rendering pages the detector flags as app shells.
func WithHeadless(headless crawler.Fetcher, detector crawler.HeadlessDetector) Option {
	return func(e *Executor) {
		e.headless = headless
		e.detector = detector
	}
}

// NewExecutor wires the static fetcher and optional headless fallback.
func NewExecutor(static crawler.Fetcher, clock crawler.Clock, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		static: static,
		clock:  clock,
		logger: logging.OrNop(logger).Named("fetcher"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch performs one GET and extracts the page. It never retries.
// Non-200 responses become *crawler.FetchError (retryable for 429 and 5xx);
// text shorter than request.MinContentLength becomes *crawler.EmptyContentError.
func (e *Executor) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.CrawledPage, error) {
	resp, err := e.static.Fetch(ctx, request)
	if err != nil {
		return crawler.CrawledPage{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return crawler.CrawledPage{}, &crawler.FetchError{
			URL:        request.URL,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	doc, err := extract(resp, request)
	if err != nil {
		return crawler.CrawledPage{}, err
	}
	if textLen(doc) < request.MinContentLength {
		if rendered, renderedDoc, ok := e.render(ctx, request, resp); ok {
			resp, doc = rendered, renderedDoc
		}
	}
	if n := textLen(doc); n < request.MinContentLength {
		return crawler.CrawledPage{}, &crawler.EmptyContentError{URL: request.URL, Length: n, Min: request.MinContentLength}
	}

	finalURL := resp.URL
	if finalURL == "" {
		finalURL = request.URL
	}
	return crawler.CrawledPage{
		URL:          finalURL,
		Domain:       crawler.Domain(finalURL),
		Path:         crawler.Path(finalURL),
		Title:        doc.Title,
		Text:         doc.Text,
		RawHTML:      string(resp.Body),
		StatusCode:   resp.StatusCode,
		Latency:      resp.Duration,
		Depth:        request.Depth,
		ParentURL:    request.ParentURL,
		FetchedAt:    e.clock.Now(),
		UsedHeadless: resp.UsedHeadless,
		Links:        doc.Links,
	}, nil
}

// render re-fetches through the headless fetcher when the static body looks
// like an app shell. ok is false when nothing better was obtained.
func (e *Executor) render(
	ctx context.Context,
	request crawler.FetchRequest,
	static crawler.FetchResponse,
) (crawler.FetchResponse, markup.Document, bool) {
	if e.headless == nil || e.detector == nil || !e.detector.ShouldPromote(static) {
		return crawler.FetchResponse{}, markup.Document{}, false
	}
	resp, err := e.headless.Fetch(ctx, request)
	if err == nil && resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("headless status %d", resp.StatusCode)
	}
	if err != nil {
		metrics.ObserveHeadlessRender(false)
		e.logger.Warn("headless render failed", zap.String("url", request.URL), zap.Error(err))
		return crawler.FetchResponse{}, markup.Document{}, false
	}
	resp.UsedHeadless = true
	doc, err := extract(resp, request)
	if err != nil {
		metrics.ObserveHeadlessRender(false)
		e.logger.Warn("headless extract failed", zap.String("url", request.URL), zap.Error(err))
		return crawler.FetchResponse{}, markup.Document{}, false
	}
	metrics.ObserveHeadlessRender(true)
	e.logger.Debug("headless render applied",
		zap.String("url", request.URL),
		zap.Int("rendered_chars", textLen(doc)),
	)
	return resp, doc, true
}

func extract(resp crawler.FetchResponse, request crawler.FetchRequest) (markup.Document, error) {
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = request.URL
	}
	doc, err := markup.Extract(resp.Body, pageURL)
	if err != nil {
		return markup.Document{}, fmt.Errorf("extract %s: %w", pageURL, err)
	}
	if request.MaxContentLength > 0 {
		doc.Text = markup.Truncate(doc.Text, request.MaxContentLength)
	}
	return doc, nil
}

func textLen(doc markup.Document) int {
	return utf8.RuneCountInString(doc.Text)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
