// Package markup turns fetched HTML into the title, readable text and
// outbound links a crawl session works with.
package markup

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

// Document is the extracted view of one page.
type Document struct {
	Title string
	Text  string
	Links []crawler.Link
}

const (
	boilerplate = "script, style, noscript, template, svg, iframe, form, nav, header, footer, aside"
	mainContent = "main, article, [role=main]"
)

var (
	blankRuns     = regexp.MustCompile(`\n{3,}`)
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
)

var staticExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".ico": {},
	".css": {}, ".js": {}, ".pdf": {}, ".zip": {}, ".gz": {}, ".tar": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".mp3": {}, ".mp4": {}, ".webm": {},
}

// Extract parses body fetched from pageURL. Links are collected before
// boilerplate is removed so navigation menus still feed the frontier.
func Extract(body []byte, pageURL string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	out := Document{
		Title: Title(doc),
		Links: Links(doc, pageURL),
	}

	doc.Find(boilerplate).Remove()
	content := doc.Find(mainContent).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	if content.Length() == 0 {
		content = doc.Selection
	}
	out.Text = toMarkdown(content, pageURL)
	if out.Text == "" {
		out.Text = collapse(content.Text())
	}
	return out, nil
}

func toMarkdown(content *goquery.Selection, pageURL string) string {
	conv := md.NewConverter(crawler.Domain(pageURL), true, nil)
	conv.AddRules(
		md.Rule{
			Filter: []string{"a"},
			Replacement: func(text string, _ *goquery.Selection, _ *md.Options) *string {
				return md.String(text)
			},
		},
		md.Rule{
			Filter: []string{"img"},
			Replacement: func(_ string, sel *goquery.Selection, _ *md.Options) *string {
				alt, _ := sel.Attr("alt")
				return md.String(strings.TrimSpace(alt))
			},
		},
	)
	text := conv.Convert(content)
	text = trailingSpace.ReplaceAllString(text, "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Title returns the <title> text, falling back to the first h1-h6.
func Title(doc *goquery.Document) string {
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return collapse(doc.Find("h1, h2, h3, h4, h5, h6").First().Text())
}

// Links returns the page's a[href] targets resolved against pageURL, without
// scripts, mail links, fragments or static assets, de-duplicated in document order.
func Links(doc *goquery.Document, pageURL string) []crawler.Link {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}
	seen := make(map[string]struct{})
	var links []crawler.Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if skipHref(href) {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		if _, static := staticExtensions[strings.ToLower(path.Ext(resolved.Path))]; static {
			return
		}
		normalized, err := crawler.NormalizeURL(resolved.String())
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, crawler.Link{URL: normalized, Text: collapse(s.Text())})
	})
	return links
}

func skipHref(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	return h == "" ||
		strings.HasPrefix(h, "#") ||
		strings.HasPrefix(h, "javascript:") ||
		strings.HasPrefix(h, "mailto:") ||
		strings.HasPrefix(h, "tel:") ||
		strings.HasPrefix(h, "data:")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most max runes; max <= 0 leaves s unchanged.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
