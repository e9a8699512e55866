// Package citation converts raw search results into client-facing
// citations with canonical URLs and query-relevant excerpts.
//
// Information Hiding: the transformation is pure and stateless. Nothing
// here knows about deduplication, ordering, or streaming; callers hand
// in one record and get one citation back.
package citation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/legisearch/legisearch/model"
)

// maxExcerptLen bounds the fallback excerpt when no sentence matches the
// query.
const maxExcerptLen = 280

// Normalize derives the citation for one deduplicated result. rank is
// the record's 1-based position in the final relevance ordering;
// iterationsUsed is how many search rounds had completed when the
// record was first accumulated.
func Normalize(rec model.ResultRecord, query string, rank, iterationsUsed int) model.Citation {
	return model.Citation{
		ID:             rec.ContentID,
		ContentType:    rec.ContentType,
		Title:          rec.Title,
		URL:            CanonicalURL(rec.ContentType, rec.ContentID),
		RelevanceScore: rec.RelevanceScore,
		Excerpt:        Excerpt(rec.Summary, query),
		SourceMetadata: cloneMetadata(rec.SourceMetadata),
		SearchContext: model.SearchContext{
			Query:          query,
			Rank:           rank,
			IterationsUsed: iterationsUsed,
			Timestamp:      time.Now().UTC(),
		},
	}
}

// CanonicalURL returns the site path for a document.
func CanonicalURL(ct model.ContentType, id string) string {
	switch ct {
	case model.ContentExecutiveAction:
		return fmt.Sprintf("/legislation/executive-actions/%s", id)
	default:
		return fmt.Sprintf("/legislation/bills/%s", id)
	}
}

// Excerpt picks the summary sentence with the highest query-term
// overlap. Ties go to the earlier sentence. When no sentence shares a
// term with the query the summary itself is returned, truncated.
func Excerpt(summary, query string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return ""
	}

	terms := termSet(query)
	best := ""
	bestScore := 0
	for _, sentence := range splitSentences(summary) {
		score := overlap(sentence, terms)
		if score > bestScore {
			best = sentence
			bestScore = score
		}
	}
	if bestScore > 0 {
		return best
	}
	return truncate(summary, maxExcerptLen)
}

// splitSentences breaks text on terminal punctuation. Good enough for
// legislative summaries; abbreviation handling is not worth the cost
// here since a slightly wrong boundary still yields a usable excerpt.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// termSet lowercases and tokenizes the query, dropping stop words that
// would match almost any sentence.
func termSet(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, tok := range tokenize(query) {
		if stopWords[tok] {
			continue
		}
		terms[tok] = true
	}
	return terms
}

func overlap(sentence string, terms map[string]bool) int {
	if len(terms) == 0 {
		return 0
	}
	seen := make(map[string]bool)
	score := 0
	for _, tok := range tokenize(sentence) {
		if terms[tok] && !seen[tok] {
			seen[tok] = true
			score++
		}
	}
	return score
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "with": true,
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
