// Package detector decides when a statically fetched page is only an app
// shell whose text appears after scripts run.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

// Reasons reported by Heuristic.Reason.
const (
	ReasonEmptyBody   = "empty_body"
	ReasonScriptHeavy = "script_heavy"
	ReasonAppShell    = "app_shell"
	ReasonNoscript    = "noscript_notice"
)

const defaultShellThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// ShellThreshold is the body size under which a script-heavy page is
	// assumed to be a shell.
	ShellThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultShellThreshold
	}
	return &Heuristic{ShellThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte("id=\"__next\""),
	[]byte("id=\"__nuxt\""),
	[]byte("id=\"root\"></div>"),
	[]byte("id=\"app\"></div>"),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("ng-version"),
}

var noscriptNotices = []string{
	"enable javascript",
	"javascript is required",
	"requires javascript",
	"javascript to run this app",
}

// ShouldPromote reports whether the page should be rendered headless.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	return h.Reason(resp) != ""
}

// Reason names the rule that fired, or returns "" when the static body is
// usable as is. Non-200 responses and already rendered pages never promote.
func (h *Heuristic) Reason(resp crawler.FetchResponse) string {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return ""
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return ReasonEmptyBody
	}
	lower := bytes.ToLower(body)
	if len(body) < h.threshold() && scriptShare(lower) >= 25 {
		return ReasonScriptHeavy
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return ReasonAppShell
		}
	}
	if idx := bytes.Index(lower, []byte("<noscript")); idx >= 0 {
		notice := string(lower[idx:])
		for _, phrase := range noscriptNotices {
			if strings.Contains(notice, phrase) {
				return ReasonNoscript
			}
		}
	}
	return ""
}

func (h *Heuristic) threshold() int {
	if h.ShellThreshold > 0 {
		return h.ShellThreshold
	}
	return defaultShellThreshold
}

// scriptShare returns the percentage of lower covered by <script> elements.
func scriptShare(lower []byte) int {
	total := len(lower)
	if total == 0 {
		return 0
	}
	openTag := []byte("<script")
	closeTag := []byte("</script>")

	covered, pos := 0, 0
	for {
		rel := bytes.Index(lower[pos:], openTag)
		if rel < 0 {
			break
		}
		start := pos + rel
		end := total
		if tagEnd := bytes.IndexByte(lower[start:], '>'); tagEnd >= 0 {
			contentStart := start + tagEnd + 1
			if closeRel := bytes.Index(lower[contentStart:], closeTag); closeRel >= 0 {
				end = contentStart + closeRel + len(closeTag)
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / total
}
