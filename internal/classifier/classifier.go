// Package classifier labels text fragments with learning-bit kinds,
// categories, subcategories, and a complexity tier using keyword tables.
package classifier

import (
	"errors"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

// Errors returned for input the classifier cannot label.
var (
	ErrEmptyText   = errors.New("text is empty")
	ErrInvalidText = errors.New("text is not valid UTF-8")
)

// Result is the classification of one fragment. Label slices keep table order.
type Result struct {
	Kinds         []crawler.BitKind
	Categories    []string
	Subcategories []string
	Complexity    crawler.Complexity
	Importance    float64
	Confidence    float64
	// Signals is the total number of pattern hits across all families.
	Signals int
}

// PrimaryKind returns the first matched kind, defaulting to concept.
func (r Result) PrimaryKind() crawler.BitKind {
	if len(r.Kinds) == 0 {
		return crawler.KindConcept
	}
	return r.Kinds[0]
}

// PrimaryCategory returns the first matched category or "".
func (r Result) PrimaryCategory() string {
	if len(r.Categories) == 0 {
		return ""
	}
	return r.Categories[0]
}

// PrimarySubcategory returns the first matched subcategory or "".
func (r Result) PrimarySubcategory() string {
	if len(r.Subcategories) == 0 {
		return ""
	}
	return r.Subcategories[0]
}

// HasKind reports whether k was matched.
func (r Result) HasKind(k crawler.BitKind) bool {
	for _, kind := range r.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// HasCategory reports whether c was matched.
func (r Result) HasCategory(c string) bool {
	for _, cat := range r.Categories {
		if cat == c {
			return true
		}
	}
	return false
}

// Classifier applies a fixed set of Tables. It holds no mutable state and is
// safe for concurrent use.
type Classifier struct {
	tables Tables
}

// New returns a Classifier over DefaultTables.
func New() *Classifier {
	return NewWithTables(DefaultTables())
}

// NewWithTables returns a Classifier over custom tables.
func NewWithTables(tables Tables) *Classifier {
	return &Classifier{tables: tables}
}

type familyMatch struct {
	labels []string
	hits   map[string]int
	total  int
}

func matchFamily(rules []Rule, text string) familyMatch {
	fm := familyMatch{hits: map[string]int{}}
	for _, r := range rules {
		n := 0
		for _, p := range r.Patterns {
			n += len(p.FindAllStringIndex(text, -1))
		}
		if n == 0 {
			continue
		}
		fm.labels = append(fm.labels, r.Label)
		fm.hits[r.Label] = n
		fm.total += n
	}
	return fm
}

// Classify labels text. Only the text votes; URL path hints become tags in the
// extractor and never labels.
func (c *Classifier) Classify(text, _ string) (Result, error) {
	if !utf8.ValidString(text) {
		return Result{}, ErrInvalidText
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyText
	}

	kinds := matchFamily(c.tables.Kinds, text)
	categories := matchFamily(c.tables.Categories, text)
	subcategories := matchFamily(c.tables.Subcategories, text)
	complexity := matchFamily(c.tables.Complexity, text)

	res := Result{
		Categories:    categories.labels,
		Subcategories: subcategories.labels,
		Complexity:    pickComplexity(c.tables.Complexity, complexity),
	}
	for _, k := range kinds.labels {
		res.Kinds = append(res.Kinds, crawler.BitKind(k))
	}

	families, total := 0, 0
	for _, fm := range []familyMatch{kinds, categories, subcategories, complexity} {
		if fm.total > 0 {
			families++
			total += fm.total
		}
	}
	res.Signals = total
	res.Importance = importance(text, res)
	res.Confidence = clamp01(0.5 + 0.1*float64(families) + 0.02*float64(total-families))
	return res, nil
}

// pickComplexity returns the tier with the most hits. Ties go to the tier
// listed first, and no hits at all means intermediate.
func pickComplexity(rules []Rule, fm familyMatch) crawler.Complexity {
	best, bestHits := "", 0
	for _, r := range rules {
		if n := fm.hits[r.Label]; n > bestHits {
			best, bestHits = r.Label, n
		}
	}
	if best == "" {
		return crawler.ComplexityIntermediate
	}
	return crawler.Complexity(best)
}

func importance(text string, res Result) float64 {
	score := 0.5
	n := utf8.RuneCountInString(text)
	if n > 200 {
		score += 0.1
	}
	if n > 500 {
		score += 0.1
	}
	for _, k := range []crawler.BitKind{crawler.KindConcept, crawler.KindDefinition, crawler.KindExample} {
		if res.HasKind(k) {
			score += 0.1
		}
	}
	for _, cat := range []string{crawler.CategoryProgramming, crawler.CategoryAPI, crawler.CategoryBestPractice} {
		if res.HasCategory(cat) {
			score += 0.1
			break
		}
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	return math.Round(math.Max(0, math.Min(1, v))*1000) / 1000
}
