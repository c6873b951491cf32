// Package strategy picks chunking and quality settings for a page based on
// its size, its estimated complexity, and what earlier pages from the same
// domain yielded.
package strategy

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

// ChunkSize selects how page text is split.
type ChunkSize string

// Chunk sizes.
const (
	ChunkSmall    ChunkSize = "small"
	ChunkAdaptive ChunkSize = "adaptive"
	ChunkLarge    ChunkSize = "large"
)

// QualityThreshold selects minimum scores for accepted bits.
type QualityThreshold string

// Quality thresholds.
const (
	QualityStandard QualityThreshold = "standard"
	QualityStrict   QualityThreshold = "strict"
)

// Method is an advisory extraction mode. Only pattern matching is implemented;
// semantic marks pages a richer extractor would be worth running on.
type Method string

// Methods.
const (
	MethodPattern  Method = "pattern"
	MethodSemantic Method = "semantic"
)

// Size and complexity boundaries.
const (
	LargeTextChars   = 10_000
	SmallTextChars   = 2_000
	StrictImportance = 0.5
	StrictComplexity = 0.8
)

// Strategy is the extraction plan for one page.
type Strategy struct {
	ChunkSize        ChunkSize
	QualityThreshold QualityThreshold
	Method           Method
	Complexity       float64
	MinChunkLength   int
	MinImportance    float64
	MinConfidence    float64
}

// DomainHistory summarizes bits previously accepted from a domain.
type DomainHistory struct {
	Bits          int
	AvgImportance float64
	AvgConfidence float64
}

// HistoryFromBits builds a DomainHistory from stored bits.
func HistoryFromBits(bits []crawler.LearningBit) DomainHistory {
	if len(bits) == 0 {
		return DomainHistory{}
	}
	var imp, conf float64
	for _, b := range bits {
		imp += b.Importance
		conf += b.Confidence
	}
	n := float64(len(bits))
	return DomainHistory{Bits: len(bits), AvgImportance: imp / n, AvgConfidence: conf / n}
}

// Strategist chooses a Strategy per page. It is stateless.
type Strategist struct{}

// New returns a Strategist.
func New() *Strategist {
	return &Strategist{}
}

// Choose returns the plan for one page's extracted text.
func (s *Strategist) Choose(text, _ string, history DomainHistory) Strategy {
	n := utf8.RuneCountInString(text)
	st := Strategy{
		ChunkSize:        ChunkAdaptive,
		QualityThreshold: QualityStandard,
		Method:           MethodPattern,
		Complexity:       EstimateComplexity(text),
	}
	switch {
	case n > LargeTextChars:
		st.ChunkSize = ChunkLarge
	case n < SmallTextChars:
		st.ChunkSize = ChunkSmall
	}
	if (history.Bits > 0 && history.AvgImportance < StrictImportance) || st.Complexity > StrictComplexity {
		st.QualityThreshold = QualityStrict
	}
	if st.Complexity > StrictComplexity {
		st.Method = MethodSemantic
	}

	switch st.ChunkSize {
	case ChunkSmall:
		st.MinChunkLength = 20
	case ChunkLarge:
		st.MinChunkLength = 80
	default:
		st.MinChunkLength = 40
	}
	if st.QualityThreshold == QualityStrict {
		st.MinImportance, st.MinConfidence = 0.6, 0.6
	} else {
		st.MinImportance, st.MinConfidence = 0.3, 0.3
	}
	return st
}

var (
	technicalTerm = regexp.MustCompile(`(?i)\b(api|function|method|class|interface|algorithm|database|server|client|protocol|compiler|runtime|thread|async|concurrency|memory|pointer|schema|query|deploy|container|cache|latency|endpoint|struct|module|package|library|framework)s?\b`)
	codeBlock     = regexp.MustCompile("(?ms)```.*?```|<code>|<pre>|`[^`\n]+`|^(?: {4}|\t)\\S")
	structure     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)]|#{1,6})\s+\S`)
)

// EstimateComplexity scores text in [0,1] from technical-term density, code
// blocks, structural markers, and average word length.
func EstimateComplexity(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	letters := 0
	for _, w := range words {
		letters += utf8.RuneCountInString(w)
	}
	avgWord := float64(letters) / float64(len(words))

	density := float64(len(technicalTerm.FindAllStringIndex(text, -1))) / float64(len(words))
	code := float64(len(codeBlock.FindAllStringIndex(text, -1)))
	markers := float64(len(structure.FindAllStringIndex(text, -1)))

	score := 0.4*math.Min(1, density*5) +
		0.3*math.Min(1, code/5) +
		0.1*math.Min(1, markers/10) +
		0.2*math.Min(1, math.Max(0, avgWord-4)/4)
	return math.Round(score*1000) / 1000
}
