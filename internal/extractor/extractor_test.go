package extractor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/learning-bits-crawler/internal/classifier"
	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/hash/sha256"
	"github.com/JakeFAU/learning-bits-crawler/internal/strategy"
)

const docsPage = "This tutorial explains the basic concept of functions. Example: `def f(): pass`."

func newTestExtractor(c Classifier) *Extractor {
	if c == nil {
		c = classifier.New()
	}
	return New(c, sha256.New(), fixedClock{now: time.Unix(1_700_000_000, 0).UTC()}, DefaultConfig())
}

func TestExtractDocsPage(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(nil)
	st := strategy.New().Choose(docsPage, "https://docs.example.com/tutorial/functions", strategy.DomainHistory{})
	require.Equal(t, strategy.ChunkSmall, st.ChunkSize)

	res := e.Extract(docsPage, "https://docs.example.com/tutorial/functions", st)
	require.Equal(t, 2, res.Chunks)
	require.Len(t, res.Bits, 2)
	require.Zero(t, res.FailedChunks)

	first, second := res.Bits[0], res.Bits[1]
	require.Equal(t, crawler.KindConcept, first.Kind)
	require.Equal(t, crawler.KindExample, second.Kind)
	require.Equal(t, crawler.CategoryProgramming, first.Category)
	require.Equal(t, crawler.CategoryProgramming, second.Category)
	require.Equal(t, "python", second.Subcategory)
	require.Equal(t, "docs.example.com", first.Domain)
	require.Equal(t, 1, first.ReferenceCount)
	require.Len(t, first.Fingerprint, 64)
	require.NotEqual(t, first.Fingerprint, second.Fingerprint)
	require.Contains(t, first.Context, "Example")
	require.Contains(t, second.Context, "functions")
	require.Contains(t, first.Tags, "educational")
	require.Contains(t, first.Tags, "tutorial_content")
	require.Contains(t, second.Tags, "practical")
	require.Contains(t, second.Tags, "technical")
}

func TestExtractCollapsesDuplicateChunks(t *testing.T) {
	t.Parallel()

	text := "Warning: never store passwords in code.\n\nSome filler text here.\n\nWARNING: never store  passwords in code."
	st := strategy.Strategy{ChunkSize: strategy.ChunkAdaptive, MinChunkLength: 10, MinImportance: 0.3, MinConfidence: 0.3}
	res := newTestExtractor(nil).Extract(text, "https://example.com/security", st)

	require.Len(t, res.Bits, 1)
	require.Equal(t, crawler.KindWarning, res.Bits[0].Kind)
	require.Equal(t, 2, res.Bits[0].ReferenceCount)
	require.Equal(t, 1, res.Rejected)
}

func TestExtractCountsFailedChunks(t *testing.T) {
	t.Parallel()

	fc := &failingClassifier{inner: classifier.New(), failOn: "broken"}
	text := "A function is a reusable block of code.\n\nThis broken chunk cannot be classified."
	st := strategy.Strategy{ChunkSize: strategy.ChunkAdaptive, MinChunkLength: 10, MinImportance: 0.3, MinConfidence: 0.3}
	res := newTestExtractor(fc).Extract(text, "https://example.com", st)

	require.Equal(t, 1, res.FailedChunks)
	require.Len(t, res.Errors, 1)
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, res.Errors[0], &extractErr)
	require.Equal(t, 1, extractErr.Chunk)
	require.Len(t, res.Bits, 1)
}

func TestExtractDropsShortAndUncategorizedChunks(t *testing.T) {
	t.Parallel()

	text := "Too short.\n\nThe weather was pleasant and the garden looked lovely all afternoon."
	st := strategy.Strategy{ChunkSize: strategy.ChunkAdaptive, MinChunkLength: 40, MinImportance: 0.3, MinConfidence: 0.3}
	res := newTestExtractor(nil).Extract(text, "https://example.com", st)
	require.Empty(t, res.Bits)
	require.Equal(t, 2, res.Rejected)
}

func TestExtractRejectsUncategorizedChunksOnDocsPaths(t *testing.T) {
	t.Parallel()

	text := "Copyright 2024 Example Corp. All rights reserved worldwide today."
	e := newTestExtractor(nil)
	for _, rawURL := range []string{"https://example.com/blog/post", "https://example.com/docs/intro", "https://example.com/api/v1"} {
		st := strategy.New().Choose(text, rawURL, strategy.DomainHistory{})
		res := e.Extract(text, rawURL, st)
		require.Empty(t, res.Bits, rawURL)
		require.Positive(t, res.Rejected, rawURL)
	}
}

func TestExtractStrictThresholdRejectsWeakChunks(t *testing.T) {
	t.Parallel()

	text := "Warning: never commit secrets to code."
	standard := strategy.Strategy{ChunkSize: strategy.ChunkSmall, MinChunkLength: 10, MinImportance: 0.3, MinConfidence: 0.3}
	strict := standard
	strict.MinImportance, strict.MinConfidence = 0.9, 0.9

	require.Len(t, newTestExtractor(nil).Extract(text, "", standard).Bits, 1)
	res := newTestExtractor(nil).Extract(text, "", strict)
	require.Empty(t, res.Bits)
	require.Equal(t, 1, res.Rejected)
}

func TestThresholdsAdaptAfterSamples(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(nil)
	st := strategy.Strategy{MinImportance: 0.3, MinConfidence: 0.3}
	for i := 0; i < 4; i++ {
		e.learn(crawler.KindConcept, crawler.CategoryProgramming, 0.9, 0.95)
	}
	imp, conf := e.thresholds(crawler.KindConcept, crawler.CategoryProgramming, st)
	require.InDelta(t, 0.3, imp, 1e-9)
	require.InDelta(t, 0.3, conf, 1e-9)

	e.learn(crawler.KindConcept, crawler.CategoryProgramming, 0.9, 0.95)
	imp, conf = e.thresholds(crawler.KindConcept, crawler.CategoryProgramming, st)
	require.InDelta(t, 0.7, imp, 1e-9)
	require.InDelta(t, 0.75, conf, 1e-9)

	// other pairs are unaffected
	imp, _ = e.thresholds(crawler.KindExample, crawler.CategoryProgramming, st)
	require.InDelta(t, 0.3, imp, 1e-9)
}

func TestSplitStrategies(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"One. Two!", "Three?"}, Split("One. Two!\n\nThree?", strategy.ChunkAdaptive))
	require.Equal(t, []string{"One.", "Two!", "Three?"}, Split("One. Two!\n\nThree?", strategy.ChunkSmall))
	require.Equal(t, []string{"v1.2 is out.", "Next."}, Split("v1.2 is out. Next.", strategy.ChunkSmall))

	large := "Section one.\n\nStill one.\n\n\n\nSection two."
	require.Equal(t, []string{"Section one.\n\nStill one.", "Section two."}, Split(large, strategy.ChunkLarge))

	long := strings.Repeat("This sentence is filler text. ", 80)
	for _, chunk := range Split(long, strategy.ChunkAdaptive) {
		require.LessOrEqual(t, runeLen(chunk), sentenceGroupMax)
	}
}

func TestTagsFromURLHints(t *testing.T) {
	t.Parallel()

	cls := classifier.Result{Kinds: []crawler.BitKind{crawler.KindReference}, Categories: []string{crawler.CategoryAPI}}
	require.Equal(t, []string{"api", "api_documentation", "reference", "technical"}, Tags(cls, "https://x.dev/api/users"))
	require.Contains(t, Tags(cls, "https://x.dev/docs/users"), "reference_material")
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type failingClassifier struct {
	inner  Classifier
	failOn string
}

func (f *failingClassifier) Classify(text, rawURL string) (classifier.Result, error) {
	if strings.Contains(text, f.failOn) {
		return classifier.Result{}, errors.New("classifier exploded")
	}
	return f.inner.Classify(text, rawURL)
}
