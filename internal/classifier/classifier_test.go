package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

func TestClassifyTutorialSentence(t *testing.T) {
	t.Parallel()

	res, err := New().Classify("This tutorial explains the basic concept of functions.", "https://docs.example.com/intro")
	require.NoError(t, err)
	require.Equal(t, []crawler.BitKind{crawler.KindConcept, crawler.KindTutorial}, res.Kinds)
	require.Equal(t, crawler.KindConcept, res.PrimaryKind())
	require.Equal(t, []string{crawler.CategoryProgramming, crawler.CategoryTutorial}, res.Categories)
	require.Empty(t, res.Subcategories)
	require.Equal(t, crawler.ComplexityBeginner, res.Complexity)
	require.InDelta(t, 0.7, res.Importance, 1e-9)
	require.InDelta(t, 0.86, res.Confidence, 1e-9)
}

func TestClassifyCodeExample(t *testing.T) {
	t.Parallel()

	res, err := New().Classify("Example: `def f(): pass`.", "")
	require.NoError(t, err)
	require.Equal(t, []crawler.BitKind{crawler.KindExample}, res.Kinds)
	require.Equal(t, crawler.CategoryProgramming, res.PrimaryCategory())
	require.Equal(t, "python", res.PrimarySubcategory())
	require.Equal(t, crawler.ComplexityIntermediate, res.Complexity)
	require.InDelta(t, 0.7, res.Importance, 1e-9)
	require.InDelta(t, 0.84, res.Confidence, 1e-9)
}

func TestClassifyIgnoresURLPath(t *testing.T) {
	t.Parallel()

	c := New()
	text := "Pagination works with a cursor token returned in every page of results."
	for _, rawURL := range []string{"", "https://example.com/api/v2/pagination", "https://example.com/docs/intro"} {
		res, err := c.Classify(text, rawURL)
		require.NoError(t, err)
		require.Empty(t, res.Categories, rawURL)
	}
}

func TestClassifyComplexityTiers(t *testing.T) {
	t.Parallel()

	c := New()
	res, err := c.Classify("An advanced deep dive into scheduler internals and performance optimization.", "")
	require.NoError(t, err)
	require.Equal(t, crawler.ComplexityAdvanced, res.Complexity)

	res, err = c.Classify("A simple introduction for beginners, with one advanced aside.", "")
	require.NoError(t, err)
	require.Equal(t, crawler.ComplexityBeginner, res.Complexity)

	// one hit each: the simpler tier wins
	res, err = c.Classify("Basic and advanced material.", "")
	require.NoError(t, err)
	require.Equal(t, crawler.ComplexityBeginner, res.Complexity)
}

func TestClassifyImportanceGrowsWithLength(t *testing.T) {
	t.Parallel()

	c := New()
	short, err := c.Classify("Warning: never commit secrets.", "")
	require.NoError(t, err)
	long, err := c.Classify(strings.Repeat("Warning: never commit secrets to the repository. ", 12), "")
	require.NoError(t, err)
	require.Greater(t, long.Importance, short.Importance)
	require.LessOrEqual(t, long.Importance, 1.0)
	require.LessOrEqual(t, long.Confidence, 1.0)
	require.Equal(t, crawler.KindWarning, long.PrimaryKind())
}

func TestClassifyRejectsBadInput(t *testing.T) {
	t.Parallel()

	c := New()
	_, err := c.Classify("   \n\t ", "")
	require.ErrorIs(t, err, ErrEmptyText)
	_, err = c.Classify(string([]byte{0xff, 0xfe, 'a'}), "")
	require.ErrorIs(t, err, ErrInvalidText)
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()

	c := New()
	text := "Go vs Rust: a comparison of goroutines and async tasks, with common pitfalls to avoid."
	first, err := c.Classify(text, "https://blog.example.com/guides/concurrency")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Classify(text, "https://blog.example.com/guides/concurrency")
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.True(t, first.HasKind(crawler.KindComparison))
	require.True(t, first.HasCategory(crawler.CategoryBestPractice))
	require.Contains(t, first.Subcategories, "go")
	require.Contains(t, first.Subcategories, "rust")
}

func TestClassifyCustomTables(t *testing.T) {
	t.Parallel()

	tables := Tables{
		Kinds:      []Rule{rule("tip", `(?i)\bprotip\b`)},
		Categories: []Rule{rule("cooking", `(?i)\brecipe\b`)},
	}
	res, err := NewWithTables(tables).Classify("Protip: read the whole recipe first.", "")
	require.NoError(t, err)
	require.Equal(t, crawler.KindTip, res.PrimaryKind())
	require.Equal(t, "cooking", res.PrimaryCategory())
	require.Equal(t, crawler.ComplexityIntermediate, res.Complexity)
}
