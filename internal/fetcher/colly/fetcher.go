// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxRedirects = 10
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodySize  int
	MaxRedirects int
}

// Fetcher issues one GET per call. Each call runs on a clone of a template
// collector so callbacks never leak between requests.
type Fetcher struct {
	cfg      Config
	template *colly.Collector
}

// New builds a Fetcher. Timeout is the upper bound; requests may ask for less.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	template := colly.NewCollector(colly.Async(false))
	template.WithTransport(transport())
	template.SetRequestTimeout(cfg.Timeout)
	if cfg.MaxBodySize > 0 {
		template.MaxBodySize = cfg.MaxBodySize
	}
	return &Fetcher{cfg: cfg, template: template}
}

// Fetch performs a single GET. Any HTTP response, whatever its status, is
// returned as a FetchResponse; transport failures become *crawler.FetchError.
// It does not retry.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeoutFor(request))
	defer cancel()

	c := &capture{headers: request.Headers, start: time.Now()}
	collector := f.collectorFor(reqCtx, request)
	c.attach(collector)

	visited := make(chan error, 1)
	go func() { visited <- collector.Visit(request.URL) }()

	var err error
	select {
	case <-reqCtx.Done():
		err = reqCtx.Err()
	case err = <-visited:
		if err == nil {
			err = c.err
		}
	}
	switch {
	case ctx.Err() != nil:
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err != nil:
		return crawler.FetchResponse{}, classify(request.URL, err)
	case !c.seen:
		return crawler.FetchResponse{}, classify(request.URL, errors.New("no response received"))
	}
	return c.result, nil
}

func (f *Fetcher) timeoutFor(request crawler.FetchRequest) time.Duration {
	if request.Timeout <= 0 || request.Timeout > f.cfg.Timeout {
		return f.cfg.Timeout
	}
	return request.Timeout
}

func (f *Fetcher) collectorFor(ctx context.Context, request crawler.FetchRequest) *colly.Collector {
	collector := f.template.Clone()
	collector.Context = ctx
	// retries of the same URL must not be rejected as already visited
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !request.RespectRobots
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	limit := f.cfg.MaxRedirects
	collector.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	})
	return collector
}

// capture collects the outcome of one visit.
type capture struct {
	headers http.Header
	start   time.Time

	seen   bool
	result crawler.FetchResponse
	err    error
}

type hookRegistrar interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

func (c *capture) attach(r hookRegistrar) {
	r.OnRequest(c.onRequest)
	r.OnResponse(c.onResponse)
	r.OnError(func(_ *colly.Response, err error) { c.err = err })
}

func (c *capture) onRequest(r *colly.Request) {
	for key, values := range c.headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func (c *capture) onResponse(r *colly.Response) {
	c.seen = true
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	c.result = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(c.start),
	}
}

// classify maps a transport failure to a FetchError. Policy refusals and
// unknown hosts are permanent; everything else may be retried.
func classify(url string, err error) *crawler.FetchError {
	permanent := errors.Is(err, colly.ErrRobotsTxtBlocked) ||
		errors.Is(err, colly.ErrForbiddenURL) ||
		errors.Is(err, colly.ErrForbiddenDomain) ||
		errors.Is(err, colly.ErrMissingURL)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		permanent = true
	}
	return &crawler.FetchError{URL: url, Retryable: !permanent, Err: err}
}

func transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
