package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/hash/sha256"
	"github.com/JakeFAU/learning-bits-crawler/internal/policy/simple"
	"github.com/JakeFAU/learning-bits-crawler/internal/progress"
	"github.com/JakeFAU/learning-bits-crawler/internal/storage/memory"
)

const (
	docsURL  = "https://docs.example.com/tutorial/functions"
	docsText = "This tutorial explains the basic concept of functions. Example: `def f(): pass`."
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.CrawledPage
	errs  map[string][]error
	calls []string
	times []time.Time
	hook  func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]crawler.CrawledPage{}, errs: map[string][]error{}}
}

func (f *fakeFetcher) add(url, text string, links ...string) {
	page := crawler.CrawledPage{
		URL:        url,
		Domain:     crawler.Domain(url),
		Path:       crawler.Path(url),
		Title:      "page",
		Text:       text,
		RawHTML:    "<html><body>" + text + "</body></html>",
		StatusCode: 200,
	}
	for _, l := range links {
		page.Links = append(page.Links, crawler.Link{URL: l, Text: "docs"})
	}
	f.pages[url] = page
}

func (f *fakeFetcher) failFirst(url string, errs ...error) {
	f.errs[url] = errs
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.CrawledPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	f.times = append(f.times, time.Now())
	hook := f.hook
	var err error
	if queued := f.errs[req.URL]; len(queued) > 0 {
		err, f.errs[req.URL] = queued[0], queued[1:]
	}
	page, ok := f.pages[req.URL]
	f.mu.Unlock()

	if hook != nil {
		hook(req.URL)
	}
	if err != nil {
		return crawler.CrawledPage{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return crawler.CrawledPage{}, ctxErr
	}
	if !ok {
		return crawler.CrawledPage{}, &crawler.FetchError{URL: req.URL, StatusCode: 404}
	}
	page.Depth = req.Depth
	page.ParentURL = req.ParentURL
	return page, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testConfig() crawler.CrawlConfig {
	cfg := crawler.DefaultCrawlConfig()
	cfg.PolitenessDelay = 0
	cfg.MinContentLength = 0
	cfg.RetryCount = 2
	return cfg
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxBackoff = 2 * time.Millisecond
	opts.MaxIdleWait = 20 * time.Millisecond
	return opts
}

func newSession(t *testing.T, seed string, cfg crawler.CrawlConfig, deps Deps) *Session {
	t.Helper()
	s, err := New("job-1", seed, cfg, deps, testOptions())
	require.NoError(t, err)
	return s
}

func TestRunDocsPageBuildsBitsAndRelatedEdge(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add(docsURL, docsText)

	s := newSession(t, docsURL, testConfig(), Deps{Store: store, Fetcher: fetcher})
	require.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, StateCompleted, s.State())

	p := s.Progress()
	require.Equal(t, 1, p.PagesFetched)
	require.Equal(t, 2, p.BitsExtracted)
	require.Zero(t, p.DuplicateBits)
	require.GreaterOrEqual(t, p.CrossReferences, 1)

	bits, err := store.QueryBitsByDomain(context.Background(), "docs.example.com", 10)
	require.NoError(t, err)
	require.Len(t, bits, 2)
	kinds := map[crawler.BitKind]crawler.LearningBit{}
	for _, b := range bits {
		kinds[b.Kind] = b
	}
	require.Contains(t, kinds, crawler.KindConcept)
	require.Contains(t, kinds, crawler.KindExample)

	refs, err := store.CrossReferences(context.Background(), kinds[crawler.KindExample].ID)
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	require.Equal(t, kinds[crawler.KindConcept].ID, refs[0].TargetID)
	require.Equal(t, crawler.RelationRelated, refs[0].Kind)
	require.Greater(t, refs[0].Strength, 0.3)

	page, ok := store.Page(docsURL)
	require.True(t, ok)
	require.NotZero(t, page.ID)
}

func TestRecrawlIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	fetcher := newFakeFetcher()
	fetcher.add(docsURL, docsText)

	require.NoError(t, newSession(t, docsURL, testConfig(), Deps{Store: store, Fetcher: fetcher}).Run(context.Background()))
	pages, bits, edges := store.Counts()

	second := newSession(t, docsURL, testConfig(), Deps{Store: store, Fetcher: fetcher})
	require.NoError(t, second.Run(context.Background()))
	require.Zero(t, second.Progress().BitsExtracted)
	require.Equal(t, 2, second.Progress().DuplicateBits)
	require.Zero(t, second.Progress().CrossReferences)

	pages2, bits2, edges2 := store.Counts()
	require.Equal(t, []int{pages, bits, edges}, []int{pages2, bits2, edges2})

	stored, err := store.QueryBitsByDomain(context.Background(), "docs.example.com", 10)
	require.NoError(t, err)
	for _, b := range stored {
		require.Equal(t, 2, b.ReferenceCount)
		require.Equal(t, 1, b.AccessCount)
	}
}

func TestRunHonorsDepthBound(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://site.test/", "Home.", "https://site.test/a")
	fetcher.add("https://site.test/a", "Level one.", "https://site.test/a/b")
	fetcher.add("https://site.test/a/b", "Level two.")

	cfg := testConfig()
	cfg.MaxDepth = 1
	s := newSession(t, "https://site.test/", cfg, Deps{Store: memory.NewStore(), Fetcher: fetcher})
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, []string{"https://site.test/", "https://site.test/a"}, fetcher.fetched())
	require.Equal(t, 2, s.Progress().PagesFetched)
}

func TestRunFollowLinksAndExternalGating(t *testing.T) {
	t.Parallel()

	build := func() *fakeFetcher {
		f := newFakeFetcher()
		f.add("https://site.test/", "Home.", "https://site.test/docs", "https://other.test/x")
		f.add("https://site.test/docs", "Docs.")
		f.add("https://other.test/x", "Elsewhere.")
		return f
	}

	internal := build()
	require.NoError(t, newSession(t, "https://site.test/", testConfig(), Deps{Store: memory.NewStore(), Fetcher: internal}).Run(context.Background()))
	require.ElementsMatch(t, []string{"https://site.test/", "https://site.test/docs"}, internal.fetched())

	external := build()
	cfg := testConfig()
	cfg.AllowExternalLinks = true
	require.NoError(t, newSession(t, "https://site.test/", cfg, Deps{Store: memory.NewStore(), Fetcher: external}).Run(context.Background()))
	require.Len(t, external.fetched(), 3)

	noFollow := build()
	cfg = testConfig()
	cfg.FollowLinks = false
	require.NoError(t, newSession(t, "https://site.test/", cfg, Deps{Store: memory.NewStore(), Fetcher: noFollow}).Run(context.Background()))
	require.Equal(t, []string{"https://site.test/"}, noFollow.fetched())
}

func TestRunSkipsLinksRefusedByPolicy(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://site.test/", "Home.",
		"https://site.test/guide", "https://site.test/manual.pdf", "https://site.test/login/reset")
	fetcher.add("https://site.test/guide", "Guide.")

	deps := Deps{
		Store:   memory.NewStore(),
		Fetcher: fetcher,
		Links:   simple.New(simple.Config{DenyPaths: []string{"/login"}}),
	}
	require.NoError(t, newSession(t, "https://site.test/", testConfig(), deps).Run(context.Background()))
	require.ElementsMatch(t, []string{"https://site.test/", "https://site.test/guide"}, fetcher.fetched())
}

func TestRunStopsAtPageBudget(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://site.test/", "Home.", "https://site.test/a", "https://site.test/b", "https://site.test/c")
	for _, p := range []string{"a", "b", "c"} {
		fetcher.add("https://site.test/"+p, "Page "+p+".")
	}
	cfg := testConfig()
	cfg.MaxPages = 2
	s := newSession(t, "https://site.test/", cfg, Deps{Store: memory.NewStore(), Fetcher: fetcher})
	require.NoError(t, s.Run(context.Background()))
	require.Len(t, fetcher.fetched(), 2)
	require.Equal(t, StateCompleted, s.State())
}

func TestRunRetriesRetryableFailures(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add(docsURL, docsText)
	fetcher.failFirst(docsURL, &crawler.FetchError{URL: docsURL, StatusCode: 503, Retryable: true})

	s := newSession(t, docsURL, testConfig(), Deps{Store: memory.NewStore(), Fetcher: fetcher})
	require.NoError(t, s.Run(context.Background()))
	require.Len(t, fetcher.fetched(), 2)
	require.Equal(t, 1, s.Progress().Retries)
	require.Equal(t, 1, s.Progress().PagesFetched)
}

func TestRunCountsFailuresAndSkips(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://site.test/", "Home.", "https://site.test/missing", "https://site.test/thin")
	fetcher.failFirst("https://site.test/thin", &crawler.EmptyContentError{URL: "https://site.test/thin", Length: 3, Min: 100})

	s := newSession(t, "https://site.test/", testConfig(), Deps{Store: memory.NewStore(), Fetcher: fetcher})
	require.NoError(t, s.Run(context.Background()))

	p := s.Progress()
	require.Equal(t, 1, p.PagesFetched)
	require.Equal(t, 1, p.PagesFailed)
	require.Equal(t, 1, p.PagesSkipped)
	require.Zero(t, p.Retries)
	require.Equal(t, StateCompleted, s.State())
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func TestRunEmitsPageActivity(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://site.test/", docsText, "https://site.test/missing", "https://site.test/thin")
	fetcher.failFirst("https://site.test/thin", &crawler.EmptyContentError{URL: "https://site.test/thin", Length: 3, Min: 100})
	emitter := &recordingEmitter{}

	s := newSession(t, "https://site.test/", testConfig(), Deps{Store: memory.NewStore(), Fetcher: fetcher, Progress: emitter})
	require.NoError(t, s.Run(context.Background()))

	byURL := map[string]progress.Event{}
	for _, evt := range emitter.events {
		require.Equal(t, "job-1", evt.JobID)
		require.False(t, evt.At.IsZero())
		require.NoError(t, evt.Validate())
		byURL[evt.URL] = evt
	}
	require.Len(t, byURL, 3)

	home := byURL["https://site.test/"]
	require.Equal(t, progress.StagePageFetched, home.Stage)
	require.Equal(t, progress.Status2xx, home.StatusClass)
	require.Equal(t, 2, home.BitsCreated)
	require.Positive(t, home.Bytes)

	missing := byURL["https://site.test/missing"]
	require.Equal(t, progress.StagePageFailed, missing.Stage)
	require.Equal(t, progress.Status4xx, missing.StatusClass)
	require.Equal(t, 1, missing.Depth)
	require.NotEmpty(t, missing.Note)

	require.Equal(t, progress.StagePageSkipped, byURL["https://site.test/thin"].Stage)
}

type failingPageStore struct {
	*memory.Store
}

func (failingPageStore) UpsertPage(context.Context, crawler.CrawledPage) (int64, error) {
	return 0, errors.New("disk full")
}

func TestRunFailsOnStoreError(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add(docsURL, docsText)
	s := newSession(t, docsURL, testConfig(), Deps{Store: failingPageStore{memory.NewStore()}, Fetcher: fetcher})

	err := s.Run(context.Background())
	var storeErr *crawler.StoreError
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "upsert page", storeErr.Op)
	require.Equal(t, StateFailed, s.State())
}

func TestStopEndsSessionBetweenPages(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://site.test/", "Home.", "https://site.test/a", "https://site.test/b")
	fetcher.add("https://site.test/a", "A.")
	fetcher.add("https://site.test/b", "B.")

	s := newSession(t, "https://site.test/", testConfig(), Deps{Store: memory.NewStore(), Fetcher: fetcher})
	fetcher.hook = func(string) { s.Stop() }

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.Equal(t, StateStopped, s.State())
	require.Len(t, fetcher.fetched(), 1)
	require.Equal(t, 1, s.Progress().PagesFetched)

	s.Stop() // idempotent
	require.Error(t, s.Run(context.Background()), "sessions run once")
}

func TestCanceledContextStopsSession(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newSession(t, docsURL, testConfig(), Deps{Store: memory.NewStore(), Fetcher: fetcher})
	require.ErrorIs(t, s.Run(ctx), ErrStopped)
	require.Empty(t, fetcher.fetched())
}

func TestRunSpacesRequestsPerDomain(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://slow.test/", "Home.", "https://slow.test/a")
	fetcher.add("https://slow.test/a", "A.")

	cfg := testConfig()
	cfg.PolitenessDelay = 60 * time.Millisecond
	s := newSession(t, "https://slow.test/", cfg, Deps{Store: memory.NewStore(), Fetcher: fetcher})
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, fetcher.times, 2)
	require.GreaterOrEqual(t, fetcher.times[1].Sub(fetcher.times[0]), 50*time.Millisecond)
}

func TestRunArchivesRawMarkup(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	blobs := memory.NewBlobStore()
	fetcher := newFakeFetcher()
	fetcher.add(docsURL, docsText)

	s := newSession(t, docsURL, testConfig(), Deps{Store: store, Fetcher: fetcher, Blobs: blobs, Hasher: sha256.New()})
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, 1, blobs.Len())
	page, ok := store.Page(docsURL)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(page.BlobURI, "memory://pages/docs.example.com/"), page.BlobURI)
}

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	deps := Deps{Store: memory.NewStore(), Fetcher: newFakeFetcher()}
	_, err := New("j", "not a url", testConfig(), deps, Options{})
	require.True(t, crawler.IsConfigError(err))

	bad := testConfig()
	bad.MaxPages = 0
	_, err = New("j", docsURL, bad, deps, Options{})
	require.True(t, crawler.IsConfigError(err))

	_, err = New("j", docsURL, testConfig(), Deps{Fetcher: newFakeFetcher()}, Options{})
	require.Error(t, err)
}
