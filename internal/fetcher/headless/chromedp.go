// Package headless renders script-built pages in headless Chrome so their
// text can be extracted like any static page.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

const (
	defaultNavTimeout    = 45 * time.Second
	defaultSettleDelay   = 500 * time.Millisecond
	defaultReadySelector = "body"
	textPollInterval     = 100 * time.Millisecond
	textLengthScript     = `document.body ? document.body.innerText.length : 0`
)

// DefaultBlockedURLs are media patterns the browser skips while rendering.
// Text extraction never needs them.
var DefaultBlockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf", "*.mp4", "*.webm", "*.mp3",
}

// Config controls the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay caps how long to wait for the page text to stop growing.
	SettleDelay time.Duration
	// ReadySelector is awaited before text is sampled.
	ReadySelector string
	// BlockedURLs overrides DefaultBlockedURLs. An empty non-nil slice blocks nothing.
	BlockedURLs []string
}

// Fetcher renders pages in tabs of one shared Chrome process.
type Fetcher struct {
	cfg           Config
	slots         *semaphore.Weighted
	allocator     context.Context
	stopAllocator context.CancelFunc
}

// NewChromedp starts the browser allocator. Chrome itself launches lazily on
// the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = defaultReadySelector
	}
	if cfg.BlockedURLs == nil {
		cfg.BlockedURLs = DefaultBlockedURLs
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.stopAllocator = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	if f.stopAllocator != nil {
		f.stopAllocator()
	}
}

// Fetch renders request.URL and returns the resulting DOM. Browser failures
// come back as retryable *crawler.FetchError values.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for headless slot: %w", err)
		}
		defer f.slots.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	tab, cancel := context.WithTimeout(tab, f.timeoutFor(request))
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.ReadySelector, chromedp.ByQuery),
		waitForStableText(f.settleDelay()),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless render canceled: %w", ctx.Err())
		}
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Retryable: true, Err: err}
	}

	status, headers, finalURL := doc.result(request.URL, location)
	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) prepareTab(extra http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if len(f.cfg.BlockedURLs) > 0 {
			if err := network.SetBlockedURLs(f.cfg.BlockedURLs).Do(ctx); err != nil {
				return fmt.Errorf("block media: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(extra)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// waitForStableText polls the body's text length until two samples agree or
// limit passes. Client-rendered docs keep appending content after load.
func waitForStableText(limit time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.NewTimer(limit)
		defer deadline.Stop()
		ticker := time.NewTicker(textPollInterval)
		defer ticker.Stop()

		last := -1
		for {
			var n int
			if err := chromedp.Evaluate(textLengthScript, &n).Do(ctx); err != nil {
				return fmt.Errorf("sample text length: %w", err)
			}
			if n > 0 && n == last {
				return nil
			}
			last = n
			select {
			case <-ticker.C:
			case <-deadline.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

func (f *Fetcher) timeoutFor(request crawler.FetchRequest) time.Duration {
	timeout := f.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavTimeout
	}
	if request.Timeout > 0 && request.Timeout < timeout {
		return request.Timeout
	}
	return timeout
}

func (f *Fetcher) settleDelay() time.Duration {
	if f.cfg.SettleDelay > 0 {
		return f.cfg.SettleDelay
	}
	return defaultSettleDelay
}

// documentResponse records the main document's response as the browser
// reports it. Subresource responses are ignored.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := httpHeaders(resp.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.headers = headers
	d.url = resp.Response.URL
}

// result falls back to the tab location, then the requested URL, and treats
// an unseen status as 200 since the DOM did render.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func httpHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, s := range v {
				out.Add(key, s)
			}
		case []any:
			for _, s := range v {
				out.Add(key, fmt.Sprint(s))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func networkHeaders(src http.Header) network.Headers {
	out := make(network.Headers, len(src))
	for key, values := range src {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
