package search

import (
	"sort"

	"github.com/legisearch/legisearch/model"
)

// accumulator collects deduplicated results across iterations. Identity
// is RecordID; the first occurrence of a record wins and later
// duplicates are dropped. Accumulation stops at the limit, so the run
// never holds (or cites) more records than the result cap. Not safe
// for concurrent use: the controller owns one per run.
type accumulator struct {
	limit   int
	records map[model.RecordID]entry
	order   []model.RecordID
}

type entry struct {
	record    model.ResultRecord
	iteration int
}

// newAccumulator creates an accumulator holding at most limit records.
// A non-positive limit means unbounded.
func newAccumulator(limit int) *accumulator {
	return &accumulator{limit: limit, records: make(map[model.RecordID]entry)}
}

// add merges one round of results, tagging new records with the
// iteration that found them. Returns how many were new. Records past
// the limit are dropped.
func (a *accumulator) add(results []model.ResultRecord, iteration int) int {
	added := 0
	for _, rec := range results {
		if a.limit > 0 && len(a.records) >= a.limit {
			break
		}
		id := rec.ID()
		if _, seen := a.records[id]; seen {
			continue
		}
		a.records[id] = entry{record: rec, iteration: iteration}
		a.order = append(a.order, id)
		added++
	}
	return added
}

func (a *accumulator) len() int { return len(a.records) }

// ids returns every accumulated RecordID string, for the worker's
// previous_result_ids hint.
func (a *accumulator) ids() []string {
	out := make([]string, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, id.String())
	}
	return out
}

// ranked returns the accumulated entries in descending relevance.
// Equal scores keep accumulation order, so the ordering is stable
// across calls.
func (a *accumulator) ranked() []entry {
	out := make([]entry, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.records[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].record.RelevanceScore > out[j].record.RelevanceScore
	})
	return out
}
