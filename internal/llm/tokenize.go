package llm

import (
	"regexp"
	"strings"
)

var (
	tokenPattern    = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}]+)*`)
	sentencePattern = regexp.MustCompile(`[^.!?。！？\n]+[.!?。！？]*`)
)

// tokens lowercases text and splits it into word tokens
func tokens(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// sentences splits text on terminal punctuation and line breaks
func sentences(text string) []string {
	var out []string
	for _, s := range sentencePattern.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at",
		"by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "its", "this", "that",
		"these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such",
		"into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off",
		"own", "same", "too", "very", "can", "will", "just", "don", "should", "now", "not", "no", "we",
		"you", "they", "he", "she", "i", "our", "your", "their", "has", "have", "had", "do", "does", "did",
		"also", "more", "most", "other", "some", "any", "all", "each", "which", "who", "what", "when",
		"where", "how", "why", "there", "here", "may", "might", "would", "could", "one", "use", "used",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

func isStopword(tok string) bool {
	_, ok := stopwords[tok]
	return ok
}
