package search

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/legisearch/legisearch/model"
	"github.com/legisearch/legisearch/tools"
)

// Thresholds are the tunables that drive strategy selection and loop
// termination. Zero values are replaced by defaults.
type Thresholds struct {
	// ExpandBelow triggers expand_terms while the cumulative count is
	// under this.
	ExpandBelow int
	// NarrowAbove triggers narrow_focus when a single round returns
	// more than this many results.
	NarrowAbove int
	// StaleAge triggers change_timeframe when the mean document age of
	// the last round exceeds it.
	StaleAge time.Duration
	// DiminishingWindow is how many trailing rounds feed the
	// diminishing-returns check.
	DiminishingWindow int
	// DiminishingMean stops the loop when the trailing window's mean
	// new-record count falls below it.
	DiminishingMean float64
}

// DefaultThresholds returns the standard tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ExpandBelow:       5,
		NarrowAbove:       15,
		StaleAge:          365 * 24 * time.Hour,
		DiminishingWindow: 3,
		DiminishingMean:   1,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.ExpandBelow <= 0 {
		t.ExpandBelow = d.ExpandBelow
	}
	if t.NarrowAbove <= 0 {
		t.NarrowAbove = d.NarrowAbove
	}
	if t.StaleAge <= 0 {
		t.StaleAge = d.StaleAge
	}
	if t.DiminishingWindow <= 0 {
		t.DiminishingWindow = d.DiminishingWindow
	}
	if t.DiminishingMean <= 0 {
		t.DiminishingMean = d.DiminishingMean
	}
	return t
}

// refiner derives the next round's strategy and arguments. Selection is
// deterministic: sparse results expand the vocabulary, floods narrow
// it, stale results move the timeframe, anything else loosens filters.
type refiner struct {
	thresholds Thresholds
	now        func() time.Time
}

// next picks the strategy for the round after lastRound and rewrites
// the search arguments accordingly. baseQuery is the user's original
// query; top is the current ranked accumulation.
func (r refiner) next(baseQuery string, last tools.SearchArgs, lastResults []model.ResultRecord, cumulative int, top []entry) (model.Strategy, tools.SearchArgs) {
	args := last
	switch {
	case cumulative < r.thresholds.ExpandBelow:
		args.Query = expandQuery(baseQuery, top)
		return model.StrategyExpandTerms, args

	case len(lastResults) > r.thresholds.NarrowAbove:
		args.Query = narrowQuery(baseQuery, top)
		return model.StrategyNarrowFocus, args

	case r.meanAge(lastResults) > r.thresholds.StaleAge:
		args.Query = baseQuery
		args.Filters.DateFrom = r.now().AddDate(-1, 0, 0).Format("2006-01-02")
		args.Filters.DateTo = ""
		return model.StrategyChangeTimeframe, args

	default:
		// Loosen the structured filters and let relevance ranking do
		// the narrowing.
		args.Query = baseQuery
		args.Filters.Statuses = nil
		args.Filters.Topics = nil
		return model.StrategyAdjustFilters, args
	}
}

// meanAge averages the document age of one round. Records without a
// date are skipped; a round with no dated records has age zero.
func (r refiner) meanAge(results []model.ResultRecord) time.Duration {
	var total time.Duration
	dated := 0
	now := r.now()
	for _, rec := range results {
		if rec.Date.IsZero() {
			continue
		}
		total += now.Sub(rec.Date)
		dated++
	}
	if dated == 0 {
		return 0
	}
	return total / time.Duration(dated)
}

// expandQuery appends the most frequent title vocabulary from the
// top-ranked results that the query does not already contain.
func expandQuery(baseQuery string, top []entry) string {
	terms := vocabularyTerms(baseQuery, top, 3)
	if len(terms) == 0 {
		return baseQuery
	}
	return baseQuery + " " + strings.Join(terms, " ")
}

// narrowQuery requires the strongest focus term alongside the query.
func narrowQuery(baseQuery string, top []entry) string {
	terms := vocabularyTerms(baseQuery, top, 1)
	if len(terms) == 0 {
		return baseQuery
	}
	return fmt.Sprintf("%s AND %s", baseQuery, terms[0])
}

// vocabularyTerms mines result titles for up to n terms absent from the
// query, ordered by frequency then alphabetically for determinism.
func vocabularyTerms(query string, top []entry, n int) []string {
	have := make(map[string]bool)
	for _, tok := range tokenize(query) {
		have[tok] = true
	}

	counts := make(map[string]int)
	limit := len(top)
	if limit > 5 {
		limit = 5
	}
	for _, e := range top[:limit] {
		for _, tok := range tokenize(e.record.Title) {
			if have[tok] || queryStopWords[tok] || len(tok) < 3 {
				continue
			}
			counts[tok]++
		}
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var queryStopWords = map[string]bool{
	"act": true, "and": true, "bill": true, "for": true, "of": true,
	"on": true, "order": true, "the": true, "to": true,
}
