// Package session runs one frontier-driven crawl: pop a URL, fetch it with
// retries, persist the page, extract and store learning bits, link them into
// the cross-reference graph, and queue the page's links.
package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/classifier"
	"github.com/JakeFAU/learning-bits-crawler/internal/clock/system"
	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/extractor"
	"github.com/JakeFAU/learning-bits-crawler/internal/frontier"
	"github.com/JakeFAU/learning-bits-crawler/internal/hash/sha256"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
	"github.com/JakeFAU/learning-bits-crawler/internal/metrics"
	"github.com/JakeFAU/learning-bits-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/learning-bits-crawler/internal/policy/simple"
	"github.com/JakeFAU/learning-bits-crawler/internal/progress"
	"github.com/JakeFAU/learning-bits-crawler/internal/strategy"
	"github.com/JakeFAU/learning-bits-crawler/internal/xref"
)

// ErrStopped is returned by Run when the session ended on a stop request or
// a canceled context.
var ErrStopped = errors.New("session stopped")

// State is the lifecycle state of a session.
type State string

// Session states.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

const seedPriority = 1.0

// Limiter is the politeness gate shared across sessions.
type Limiter interface {
	frontier.Gate
	Wait(ctx context.Context, domain string, delay time.Duration) error
}

// LinkPolicy decides whether a discovered link enters the frontier.
type LinkPolicy interface {
	AllowFetch(rawURL string) bool
}

// Deps are the collaborators a session borrows. Store and Fetcher are
// required. Blobs and Hasher together enable archiving. Progress, when set,
// receives one event per processed page; the rest default.
type Deps struct {
	Store         crawler.Store
	Fetcher       crawler.PageFetcher
	Limiter       Limiter
	Links         LinkPolicy
	Classifier    extractor.Classifier
	Fingerprinter extractor.Fingerprinter
	Hasher        crawler.Hasher
	Blobs         crawler.BlobStore
	Clock         crawler.Clock
	Progress      progress.Emitter
	Logger        *zap.Logger
}

// Options tune a session beyond its CrawlConfig.
type Options struct {
	HistoryLimit       int
	Extraction         extractor.Config
	CrossRefs          xref.Config
	RetryBackoff       time.Duration
	RetryMaxBackoff    time.Duration
	ArchivePrefix      string
	ArchiveContentType string
	// MaxIdleWait caps a single not-ready sleep so stop requests are seen promptly.
	MaxIdleWait time.Duration
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		HistoryLimit:       50,
		Extraction:         extractor.DefaultConfig(),
		CrossRefs:          xref.DefaultConfig(),
		RetryBackoff:       250 * time.Millisecond,
		RetryMaxBackoff:    5 * time.Second,
		ArchivePrefix:      "pages",
		ArchiveContentType: "text/html; charset=utf-8",
		MaxIdleWait:        time.Second,
	}
}

// Session is one crawl. Run may be called once.
type Session struct {
	jobID string
	seed  string
	cfg   crawler.CrawlConfig
	deps  Deps
	opts  Options

	frontier   *frontier.Frontier
	strategist *strategy.Strategist
	extractor  *extractor.Extractor
	xref       *xref.Builder
	retry      *crawler.RetryPolicy
	logger     *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu        sync.RWMutex
	state     State
	progress  crawler.JobProgress
	processed int
}

// New builds an idle session for seed.
func New(jobID, seed string, cfg crawler.CrawlConfig, deps Deps, opts Options) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("session fetcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := crawler.ValidateSeed(seed); err != nil {
		return nil, err
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New()
	}
	if deps.Links == nil {
		deps.Links = simple.New(simple.Config{})
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.New()
	}
	if deps.Fingerprinter == nil {
		deps.Fingerprinter = sha256.New()
	}
	opts = withDefaults(opts)
	logger := logging.OrNop(deps.Logger).Named("session").With(zap.String("job_id", jobID))

	s := &Session{
		jobID: jobID,
		seed:  seed,
		cfg:   cfg,
		deps:  deps,
		opts:  opts,
		frontier: frontier.New(frontier.Config{
			MaxDepth:     cfg.MaxDepth,
			Delay:        cfg.PolitenessDelay,
			MaxPerDomain: cfg.MaxPagesPerDomain,
		}, deps.Limiter),
		strategist: strategy.New(),
		extractor:  extractor.New(deps.Classifier, deps.Fingerprinter, deps.Clock, opts.Extraction),
		xref:       xref.New(deps.Store, opts.CrossRefs, logger),
		retry:      crawler.NewRetryPolicy(cfg.RetryCount, opts.RetryBackoff, opts.RetryMaxBackoff),
		logger:     logger,
		stopCh:     make(chan struct{}),
		state:      StateIdle,
	}
	return s, nil
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if opts.Extraction == (extractor.Config{}) {
		opts.Extraction = def.Extraction
	}
	if opts.CrossRefs == (xref.Config{}) {
		opts.CrossRefs = def.CrossRefs
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if opts.ArchivePrefix == "" {
		opts.ArchivePrefix = def.ArchivePrefix
	}
	if opts.ArchiveContentType == "" {
		opts.ArchiveContentType = def.ArchiveContentType
	}
	if opts.MaxIdleWait <= 0 {
		opts.MaxIdleWait = def.MaxIdleWait
	}
	return opts
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Progress returns a snapshot of the session's counters.
func (s *Session) Progress() crawler.JobProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// Stop asks the session to end. It returns immediately; Run observes the
// request between pages and during sleeps.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) stopRequested(ctx context.Context) bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return ctx.Err() != nil
	}
}

// Run crawls until the frontier drains, the page budget is spent, a stop is
// requested, or the store fails. It returns nil on completion, ErrStopped on
// stop, and a *crawler.StoreError on failure.
func (s *Session) Run(ctx context.Context) error {
	if !s.transition(StateIdle, StateRunning) {
		return fmt.Errorf("session %s already started", s.jobID)
	}
	s.frontier.PushChild(s.seed, "", 0, seedPriority, s.deps.Clock.Now())
	s.logger.Info("session started", zap.String("seed", s.seed), zap.Int("max_pages", s.cfg.MaxPages))

	err := s.loop(ctx)
	switch {
	case err == nil:
		s.setState(StateCompleted)
	case errors.Is(err, ErrStopped):
		s.setState(StateStopped)
	default:
		s.setState(StateFailed)
	}
	p := s.Progress()
	s.logger.Info("session finished",
		zap.String("state", string(s.State())),
		zap.Int("pages_fetched", p.PagesFetched),
		zap.Int("pages_failed", p.PagesFailed),
		zap.Int("bits_extracted", p.BitsExtracted),
		zap.Int("dropped_by_domain_cap", s.frontier.Dropped()),
		zap.Error(err),
	)
	return err
}

func (s *Session) loop(ctx context.Context) error {
	for {
		if s.stopRequested(ctx) {
			return ErrStopped
		}
		if s.budgetSpent() {
			return nil
		}
		entry, wait, ok := s.frontier.Pop(s.deps.Clock.Now())
		if !ok {
			if s.frontier.Len() == 0 {
				return nil
			}
			if !s.sleep(ctx, min(wait, s.opts.MaxIdleWait)) {
				return ErrStopped
			}
			continue
		}
		if err := s.process(ctx, entry); err != nil {
			if s.stopRequested(ctx) {
				return ErrStopped
			}
			return err
		}
	}
}

func (s *Session) budgetSpent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processed >= s.cfg.MaxPages
}

// sleep waits for d and reports false if interrupted by stop or ctx.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !s.stopRequested(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) process(ctx context.Context, entry frontier.Entry) error {
	page, err := s.fetch(ctx, entry)
	s.frontier.MarkVisited(entry.URL)
	s.update(func(*crawler.JobProgress) { s.processed++ })
	if err != nil {
		return s.recordFetchFailure(ctx, entry, err)
	}
	if page.URL != entry.URL {
		s.frontier.MarkVisited(page.URL)
	}

	page.BlobURI = s.archive(ctx, page)
	id, err := s.deps.Store.UpsertPage(ctx, page)
	if err != nil {
		return &crawler.StoreError{Op: "upsert page", Err: err}
	}
	page.ID = id

	history, err := s.deps.Store.QueryBitsByDomain(ctx, page.Domain, s.opts.HistoryLimit)
	if err != nil {
		return &crawler.StoreError{Op: "query domain history", Err: err}
	}
	st := s.strategist.Choose(page.Text, page.URL, strategy.HistoryFromBits(history))
	res := s.extractor.Extract(page.Text, page.URL, st)
	for _, extractErr := range res.Errors {
		s.logger.Debug("chunk dropped", zap.String("url", page.URL), zap.Error(extractErr))
	}

	var created, duplicates, refs int
	for _, bit := range res.Bits {
		stored, isNew, err := s.deps.Store.UpsertLearningBit(ctx, bit)
		if err != nil {
			return &crawler.StoreError{Op: "upsert learning bit", Err: err}
		}
		if !isNew {
			duplicates++
			continue
		}
		created++
		built, err := s.xref.Build(ctx, stored)
		if err != nil {
			return &crawler.StoreError{Op: "build cross references", Err: err}
		}
		refs += built.Created
	}

	queued := s.queueLinks(entry, page)

	s.update(func(p *crawler.JobProgress) {
		p.PagesFetched++
		p.BitsExtracted += created
		p.DuplicateBits += duplicates
		p.CrossReferences += refs
		p.FailedChunks += res.FailedChunks
	})
	metrics.ObservePage(page.URL, metrics.PageFetched, len(page.RawHTML))
	s.emit(progress.Event{
		Stage:       progress.StagePageFetched,
		Domain:      page.Domain,
		URL:         page.URL,
		Depth:       entry.Depth,
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Bytes:       len(page.RawHTML),
		BitsCreated: created,
		Headless:    page.UsedHeadless,
		Latency:     page.Latency,
	})
	metrics.ObserveBits(metrics.BitCreated, created)
	metrics.ObserveBits(metrics.BitDuplicate, duplicates)
	metrics.ObserveBits(metrics.BitRejected, res.Rejected)
	metrics.ObserveCrossReferences(refs)
	metrics.ObserveFailedChunks(res.FailedChunks)

	s.logger.Debug("page processed",
		zap.String("url", page.URL),
		zap.Int("depth", entry.Depth),
		zap.String("chunking", string(st.ChunkSize)),
		zap.String("quality", string(st.QualityThreshold)),
		zap.Int("bits_created", created),
		zap.Int("bits_duplicate", duplicates),
		zap.Int("cross_references", refs),
		zap.Int("links_queued", queued),
		zap.Bool("headless", page.UsedHeadless),
	)
	return nil
}

// fetch performs the request, retrying retryable failures with backoff and
// re-acquiring the domain's politeness slot before every retry.
func (s *Session) fetch(ctx context.Context, entry frontier.Entry) (crawler.CrawledPage, error) {
	req := crawler.FetchRequest{
		URL:              entry.URL,
		Depth:            entry.Depth,
		ParentURL:        entry.ParentURL,
		Timeout:          s.cfg.FetchTimeout,
		RespectRobots:    s.cfg.RespectRobots,
		MinContentLength: s.cfg.MinContentLength,
		MaxContentLength: s.cfg.MaxContentLength,
	}
	for attempt := 0; ; attempt++ {
		page, err := s.deps.Fetcher.Fetch(ctx, req)
		if err == nil {
			return page, nil
		}
		if s.stopRequested(ctx) || !s.retry.ShouldRetry(err, attempt) {
			return crawler.CrawledPage{}, err
		}
		s.update(func(p *crawler.JobProgress) { p.Retries++ })
		metrics.ObserveFetchRetry()
		s.logger.Debug("retrying fetch", zap.String("url", entry.URL), zap.Int("attempt", attempt+1), zap.Error(err))
		if !s.sleep(ctx, s.retry.Backoff(attempt)) {
			return crawler.CrawledPage{}, err
		}
		if waitErr := s.deps.Limiter.Wait(ctx, entry.Domain, s.cfg.PolitenessDelay); waitErr != nil {
			return crawler.CrawledPage{}, err
		}
	}
}

func (s *Session) recordFetchFailure(ctx context.Context, entry frontier.Entry, err error) error {
	if s.stopRequested(ctx) {
		return ErrStopped
	}
	var emptyErr *crawler.EmptyContentError
	if errors.As(err, &emptyErr) {
		s.update(func(p *crawler.JobProgress) { p.PagesSkipped++ })
		metrics.ObservePage(entry.URL, metrics.PageSkipped, 0)
		s.emitFailure(progress.StagePageSkipped, entry, err)
		s.logger.Debug("page skipped", zap.String("url", entry.URL), zap.Error(err))
		return nil
	}
	s.update(func(p *crawler.JobProgress) { p.PagesFailed++ })
	metrics.ObservePage(entry.URL, metrics.PageFailed, 0)
	s.emitFailure(progress.StagePageFailed, entry, err)
	s.logger.Warn("page fetch failed", zap.String("url", entry.URL), zap.Int("depth", entry.Depth), zap.Error(err))
	return nil
}

func (s *Session) emit(evt progress.Event) {
	if s.deps.Progress == nil {
		return
	}
	evt.JobID = s.jobID
	evt.At = s.deps.Clock.Now()
	s.deps.Progress.Emit(evt)
}

func (s *Session) emitFailure(stage progress.Stage, entry frontier.Entry, err error) {
	evt := progress.Event{
		Stage:  stage,
		Domain: entry.Domain,
		URL:    entry.URL,
		Depth:  entry.Depth,
		Note:   err.Error(),
	}
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
		evt.StatusClass = progress.ClassifyStatus(fetchErr.StatusCode)
	}
	s.emit(evt)
}

// archive stores the raw markup under a content-addressed key. Failures are
// logged and leave the page without a blob URI.
func (s *Session) archive(ctx context.Context, page crawler.CrawledPage) string {
	if s.deps.Blobs == nil || s.deps.Hasher == nil || page.RawHTML == "" {
		return ""
	}
	digest, err := s.deps.Hasher.Hash([]byte(page.RawHTML))
	if err != nil {
		s.logger.Warn("hash page for archive failed", zap.String("url", page.URL), zap.Error(err))
		return ""
	}
	key := path.Join(s.opts.ArchivePrefix, page.Domain, digest+".html")
	uri, err := s.deps.Blobs.PutObject(ctx, key, s.opts.ArchiveContentType, strings.NewReader(page.RawHTML))
	if err != nil {
		s.logger.Warn("archive page failed", zap.String("url", page.URL), zap.Error(err))
		return ""
	}
	return uri
}

func (s *Session) queueLinks(entry frontier.Entry, page crawler.CrawledPage) int {
	if !s.cfg.FollowLinks || entry.Depth >= s.cfg.MaxDepth {
		return 0
	}
	depth := entry.Depth + 1
	now := s.deps.Clock.Now()
	queued := 0
	for _, link := range page.Links {
		if !s.cfg.AllowExternalLinks && crawler.Domain(link.URL) != page.Domain {
			continue
		}
		if !s.deps.Links.AllowFetch(link.URL) {
			continue
		}
		priority := frontier.ScoreLink(link, page.URL, depth)
		if s.frontier.PushChild(link.URL, page.URL, depth, priority, now) {
			queued++
		}
	}
	return queued
}

func (s *Session) update(fn func(*crawler.JobProgress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.progress)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}
