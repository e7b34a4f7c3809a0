// Package chunker splits page content into passages sized for embedding.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 100
)

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// Chunker packs paragraphs into chunks of at most size runes. A paragraph longer
// than size is cut into windows that share overlap runes with their neighbour.
type Chunker struct {
	size    int
	overlap int
}

// New creates a chunker. Non-positive values fall back to the defaults and an
// overlap that is not smaller than half the size is reduced to a quarter of it.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap*2 >= size {
		overlap = size / 4
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits text into ordered chunks. Blank text yields no chunks.
func (c *Chunker) Chunk(text string) []string {
	var chunks []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, para := range paragraphs(text) {
		runes := []rune(para)
		if len(runes) > c.size {
			flush()
			chunks = append(chunks, c.window(runes)...)
			continue
		}

		if bufLen > 0 && bufLen+2+len(runes) > c.size {
			flush()
		}
		if bufLen > 0 {
			buf.WriteString("\n\n")
			bufLen += 2
		}
		buf.WriteString(para)
		bufLen += len(runes)
	}
	flush()

	return chunks
}

// window cuts an oversized paragraph, preferring to break on whitespace in the
// second half of each window
func (c *Chunker) window(runes []rune) []string {
	var out []string
	start := 0
	for start < len(runes) {
		end := start + c.size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes, start+c.size/2, end); cut > start {
			end = cut
		}

		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		if end == len(runes) {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func lastSpace(runes []rune, from, to int) int {
	for i := to - 1; i >= from; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
