package extractor

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/learning-bits-crawler/internal/strategy"
)

const (
	maxLargeChunk    = 3000
	maxParagraph     = 1500
	sentenceGroupMax = 800
)

var (
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)
	sectionBreak   = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// Split cuts text into chunks according to size.
func Split(text string, size strategy.ChunkSize) []string {
	switch size {
	case strategy.ChunkSmall:
		return splitSentences(text)
	case strategy.ChunkLarge:
		var out []string
		for _, section := range splitOn(sectionBreak, text) {
			if runeLen(section) <= maxLargeChunk {
				out = append(out, section)
				continue
			}
			out = append(out, group(splitOn(paragraphBreak, section), maxLargeChunk)...)
		}
		return out
	default:
		var out []string
		for _, para := range splitOn(paragraphBreak, text) {
			if runeLen(para) <= maxParagraph {
				out = append(out, para)
				continue
			}
			out = append(out, group(splitSentences(para), sentenceGroupMax)...)
		}
		return out
	}
}

func splitOn(re *regexp.Regexp, text string) []string {
	var out []string
	for _, part := range re.Split(text, -1) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitSentences cuts after '.', '!' or '?' when followed by whitespace, and at blank lines.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	emit := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		switch {
		case r == '.' || r == '!' || r == '?':
			if next >= len(text) {
				break
			}
			if nr, _ := utf8.DecodeRuneInString(text[next:]); unicode.IsSpace(nr) {
				emit(next)
			}
		case r == '\n':
			if nr, _ := utf8.DecodeRuneInString(text[next:]); nr == '\n' {
				emit(next)
			}
		}
		i = next
	}
	emit(len(text))
	return out
}

// group joins consecutive parts while the result stays within max runes.
func group(parts []string, max int) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, p := range parts {
		if cur.Len() > 0 && runeLen(cur.String())+1+runeLen(p) > max {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
