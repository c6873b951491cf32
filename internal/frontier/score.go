package frontier

import (
	"math"
	"net/url"
	"strings"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

var relevantAnchorTerms = []string{
	"tutorial", "guide", "documentation", "docs", "learn", "example", "reference",
	"api", "introduction", "getting started", "how to", "overview", "concept",
	"manual", "lesson", "course",
}

var contentSegments = map[string]struct{}{
	"doc": {}, "docs": {}, "documentation": {}, "tutorial": {}, "tutorials": {},
	"api": {}, "reference": {}, "learn": {}, "guide": {}, "guides": {},
}

var nonContentSegments = map[string]struct{}{
	"login": {}, "signin": {}, "signup": {}, "sign-up": {}, "register": {}, "contact": {},
	"logout": {}, "privacy": {}, "terms": {}, "cart": {}, "checkout": {}, "account": {}, "auth": {},
}

// ScoreLink rates a discovered link in [0.1, 1.0]. depth is the depth the
// link would be crawled at; pageURL is the page it was found on.
func ScoreLink(link crawler.Link, pageURL string, depth int) float64 {
	score := 0.3

	anchor := strings.ToLower(link.Text)
	for _, term := range relevantAnchorTerms {
		if strings.Contains(anchor, term) {
			score += 0.3
			break
		}
	}

	u, err := url.Parse(link.URL)
	if err != nil {
		return 0.1
	}
	segments := strings.FieldsFunc(strings.ToLower(u.Path), func(r rune) bool { return r == '/' })
	score += math.Min(0.3, 0.1*float64(len(segments)))

	var content, nonContent bool
	for _, seg := range segments {
		if _, ok := contentSegments[seg]; ok {
			content = true
		}
		if _, ok := nonContentSegments[seg]; ok {
			nonContent = true
		}
	}
	if content {
		score += 0.2
	}
	if nonContent {
		score -= 0.3
	}

	if d := crawler.Domain(link.URL); d != "" && d == crawler.Domain(pageURL) {
		score += 0.2
	}
	switch {
	case depth == 1:
		score += 0.1
	case depth > 2:
		score -= 0.1
	}
	return math.Round(math.Max(0.1, math.Min(1.0, score))*1000) / 1000
}
