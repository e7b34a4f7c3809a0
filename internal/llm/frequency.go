package llm

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/masahif/grimoire/internal/pipeline"
)

// FrequencySummarizer builds a digest without a model: sentences are ranked by
// the normalized frequency of their non-stopword terms, and the most frequent
// terms become the keywords.
type FrequencySummarizer struct {
	maxSentences int
}

// NewFrequencySummarizer creates a summarizer keeping up to maxSentences sentences
func NewFrequencySummarizer(maxSentences int) *FrequencySummarizer {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	return &FrequencySummarizer{maxSentences: maxSentences}
}

// Summarize ranks the content's sentences and terms
func (s *FrequencySummarizer) Summarize(ctx context.Context, title, content string) (*pipeline.Digest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sents := sentences(content)
	if len(sents) == 0 {
		return nil, pipeline.ErrEmptyContent
	}

	freq := map[string]float64{}
	for _, tok := range tokens(title + "\n" + content) {
		if isStopword(tok) || utf8.RuneCountInString(tok) < 2 {
			continue
		}
		freq[tok]++
	}

	maxF := 1.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sents))
	for i, sent := range sents {
		toks := tokens(sent)
		score := 0.0
		for _, tok := range toks {
			score += freq[tok] / maxF
		}
		// Normalize by sentence length to avoid bias
		if len(toks) > 0 {
			score /= math.Sqrt(float64(len(toks)))
		}
		ranked[i] = scored{i, score}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	n := min(s.maxSentences, len(ranked))
	selected := make([]int, n)
	for i := 0; i < n; i++ {
		selected[i] = ranked[i].idx
	}
	sort.Ints(selected)

	parts := make([]string, n)
	for i, idx := range selected {
		parts[i] = sents[idx]
	}

	return &pipeline.Digest{
		Summary:  strings.Join(parts, " "),
		Keywords: topTerms(freq, MaxKeywords),
	}, nil
}

// topTerms returns the limit most frequent terms, ties broken alphabetically
func topTerms(freq map[string]float64, limit int) []string {
	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}
