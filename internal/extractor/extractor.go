// Package extractor turns page text into learning bits: it chunks text per
// the page strategy, classifies each chunk, filters by quality, and
// fingerprints what survives.
package extractor

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/learning-bits-crawler/internal/classifier"
	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/strategy"
)

// Classifier labels a chunk.
type Classifier interface {
	Classify(text, rawURL string) (classifier.Result, error)
}

// Fingerprinter maps text to its identity key.
type Fingerprinter interface {
	Fingerprint(text string) string
}

// Config tunes threshold learning and context capture.
type Config struct {
	// MinSamples accepted bits per (kind, category) before thresholds adapt.
	MinSamples int
	// Margin below the learned mean still accepted.
	Margin float64
	// ContextChars taken from each neighboring chunk.
	ContextChars int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{MinSamples: 5, Margin: 0.2, ContextChars: 100}
}

// Result is the outcome of extracting one page.
type Result struct {
	Bits         []crawler.LearningBit
	Chunks       int
	FailedChunks int
	Rejected     int
	Errors       []error
}

type pairKey struct {
	kind     crawler.BitKind
	category string
}

type runningMean struct {
	n          int
	importance float64
	confidence float64
}

// Extractor is owned by one crawl session; its learned thresholds are not shared.
type Extractor struct {
	classifier Classifier
	fp         Fingerprinter
	clock      crawler.Clock
	cfg        Config

	mu      sync.Mutex
	learned map[pairKey]*runningMean
}

// New builds an Extractor.
func New(c Classifier, fp Fingerprinter, clock crawler.Clock, cfg Config) *Extractor {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	if cfg.ContextChars <= 0 {
		cfg.ContextChars = DefaultConfig().ContextChars
	}
	return &Extractor{
		classifier: c,
		fp:         fp,
		clock:      clock,
		cfg:        cfg,
		learned:    make(map[pairKey]*runningMean),
	}
}

// Extract produces learning bits from text fetched at rawURL.
func (e *Extractor) Extract(text, rawURL string, st strategy.Strategy) Result {
	chunks := Split(text, st.ChunkSize)
	res := Result{Chunks: len(chunks)}
	byFingerprint := make(map[string]int)
	domain := crawler.Domain(rawURL)
	now := e.clock.Now()

	for i, chunk := range chunks {
		if runeLen(chunk) < st.MinChunkLength {
			res.Rejected++
			continue
		}
		cls, err := e.classifier.Classify(chunk, rawURL)
		if err != nil {
			res.FailedChunks++
			res.Errors = append(res.Errors, &crawler.ExtractionError{URL: rawURL, Chunk: i, Err: err})
			continue
		}
		if len(cls.Categories) == 0 {
			res.Rejected++
			continue
		}
		kind, category := cls.PrimaryKind(), cls.PrimaryCategory()
		minImp, minConf := e.thresholds(kind, category, st)
		if cls.Importance < minImp || cls.Confidence < minConf {
			res.Rejected++
			continue
		}

		fp := e.fp.Fingerprint(chunk)
		if idx, ok := byFingerprint[fp]; ok {
			res.Bits[idx].ReferenceCount++
			continue
		}
		e.learn(kind, category, cls.Importance, cls.Confidence)
		byFingerprint[fp] = len(res.Bits)
		res.Bits = append(res.Bits, crawler.LearningBit{
			Fingerprint:    fp,
			Kind:           kind,
			Category:       category,
			Subcategory:    cls.PrimarySubcategory(),
			Content:        chunk,
			Context:        e.context(chunks, i),
			Importance:     cls.Importance,
			Confidence:     cls.Confidence,
			Complexity:     cls.Complexity,
			SourceURL:      rawURL,
			Domain:         domain,
			Tags:           Tags(cls, rawURL),
			ReferenceCount: 1,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return res
}

// thresholds returns the effective minimums for a (kind, category) pair.
func (e *Extractor) thresholds(kind crawler.BitKind, category string, st strategy.Strategy) (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	minImp, minConf := st.MinImportance, st.MinConfidence
	m, ok := e.learned[pairKey{kind, category}]
	if !ok || m.n < e.cfg.MinSamples {
		return minImp, minConf
	}
	return math.Max(minImp, m.importance-e.cfg.Margin), math.Max(minConf, m.confidence-e.cfg.Margin)
}

func (e *Extractor) learn(kind crawler.BitKind, category string, importance, confidence float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := pairKey{kind, category}
	m, ok := e.learned[key]
	if !ok {
		m = &runningMean{}
		e.learned[key] = m
	}
	m.n++
	m.importance += (importance - m.importance) / float64(m.n)
	m.confidence += (confidence - m.confidence) / float64(m.n)
}

func (e *Extractor) context(chunks []string, i int) string {
	var parts []string
	if i > 0 {
		parts = append(parts, tail(chunks[i-1], e.cfg.ContextChars))
	}
	if i+1 < len(chunks) {
		parts = append(parts, head(chunks[i+1], e.cfg.ContextChars))
	}
	return strings.Join(parts, " ... ")
}

func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// Tags derives the sorted, de-duplicated tag set for a classified chunk.
func Tags(cls classifier.Result, rawURL string) []string {
	set := map[string]struct{}{}
	for _, k := range cls.Kinds {
		set[string(k)] = struct{}{}
	}
	for _, c := range cls.Categories {
		set[c] = struct{}{}
	}
	for _, s := range cls.Subcategories {
		set[s] = struct{}{}
	}
	if cls.HasCategory(crawler.CategoryProgramming) || cls.HasCategory(crawler.CategoryAPI) ||
		len(cls.Subcategories) > 0 {
		set["technical"] = struct{}{}
	}
	if cls.HasKind(crawler.KindTutorial) || cls.HasKind(crawler.KindConcept) || cls.HasKind(crawler.KindDefinition) {
		set["educational"] = struct{}{}
	}
	if cls.HasKind(crawler.KindExample) || cls.HasKind(crawler.KindProcedure) || cls.HasKind(crawler.KindTip) {
		set["practical"] = struct{}{}
	}
	path := strings.ToLower(crawler.Path(rawURL))
	switch {
	case strings.Contains(path, "/api"):
		set["api_documentation"] = struct{}{}
	case strings.Contains(path, "/tutorial"), strings.Contains(path, "/guide"), strings.Contains(path, "/learn"):
		set["tutorial_content"] = struct{}{}
	case strings.Contains(path, "/reference"), strings.Contains(path, "/docs"):
		set["reference_material"] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
