// Package simple holds the static link admission policy: it keeps the crawl
// on HTML pages by refusing asset URLs and operator-denied path prefixes.
package simple

import (
	"net/url"
	"path"
	"strings"
)

// DefaultSkipExtensions are file types that never carry learning content.
var DefaultSkipExtensions = []string{
	".7z", ".avi", ".bmp", ".css", ".csv", ".dmg", ".doc", ".docx", ".eot", ".exe",
	".gif", ".gz", ".ico", ".iso", ".jpeg", ".jpg", ".js", ".json", ".mov", ".mp3",
	".mp4", ".otf", ".pdf", ".png", ".ppt", ".pptx", ".rar", ".rss", ".svg", ".tar",
	".tgz", ".ttf", ".wasm", ".webm", ".webp", ".woff", ".woff2", ".xls", ".xlsx", ".xml", ".zip",
}

// Config tunes the policy. A nil SkipExtensions uses DefaultSkipExtensions.
type Config struct {
	SkipExtensions []string
	// DenyPaths are path prefixes never fetched, e.g. "/login".
	DenyPaths []string
}

// Policy decides whether a discovered link is worth fetching.
type Policy struct {
	skip      map[string]struct{}
	denyPaths []string
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	exts := cfg.SkipExtensions
	if exts == nil {
		exts = DefaultSkipExtensions
	}
	p := &Policy{skip: make(map[string]struct{}, len(exts))}
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.skip[ext] = struct{}{}
	}
	for _, prefix := range cfg.DenyPaths {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		p.denyPaths = append(p.denyPaths, strings.ToLower(prefix))
	}
	return p
}

// AllowFetch reports whether rawURL should enter the frontier.
func (p *Policy) AllowFetch(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	lower := strings.ToLower(u.Path)
	if _, skip := p.skip[path.Ext(lower)]; skip {
		return false
	}
	for _, prefix := range p.denyPaths {
		if lower == prefix || strings.HasPrefix(lower, strings.TrimSuffix(prefix, "/")+"/") {
			return false
		}
	}
	return true
}
