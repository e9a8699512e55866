package citation

import (
	"strings"
	"testing"

	"github.com/legisearch/legisearch/model"
)

func TestNormalizeBill(t *testing.T) {
	rec := model.ResultRecord{
		ContentID:      "hr-2401",
		ContentType:    model.ContentBill,
		Title:          "Grid Resilience Act",
		Summary:        "Establishes a grant program. Directs funding toward grid resilience upgrades in rural areas. Requires annual reports.",
		RelevanceScore: 0.87,
		SourceMetadata: map[string]string{
			"bill_number": "H.R. 2401",
			"sponsor":     "Rep. Alvarez",
			"chamber":     "house",
			"status":      "introduced",
		},
	}

	c := Normalize(rec, "grid resilience funding", 3, 2)

	if c.ID != "hr-2401" || c.ContentType != model.ContentBill {
		t.Errorf("identity not carried through: %+v", c)
	}
	if c.URL != "/legislation/bills/hr-2401" {
		t.Errorf("unexpected URL %q", c.URL)
	}
	if want := "Directs funding toward grid resilience upgrades in rural areas."; c.Excerpt != want {
		t.Errorf("excerpt = %q, want %q", c.Excerpt, want)
	}
	if c.SourceMetadata["sponsor"] != "Rep. Alvarez" {
		t.Errorf("metadata lost: %+v", c.SourceMetadata)
	}
	if c.SearchContext.Rank != 3 || c.SearchContext.IterationsUsed != 2 {
		t.Errorf("search context wrong: %+v", c.SearchContext)
	}
	if c.SearchContext.Query != "grid resilience funding" {
		t.Errorf("query not recorded: %q", c.SearchContext.Query)
	}
}

func TestNormalizeExecutiveActionURL(t *testing.T) {
	rec := model.ResultRecord{
		ContentID:   "eo-14110",
		ContentType: model.ContentExecutiveAction,
		Title:       "Executive Order on AI",
		Summary:     "Directs agencies to assess risks.",
	}
	c := Normalize(rec, "ai risk", 1, 1)
	if c.URL != "/legislation/executive-actions/eo-14110" {
		t.Errorf("unexpected URL %q", c.URL)
	}
}

func TestNormalizeDoesNotAliasMetadata(t *testing.T) {
	meta := map[string]string{"status": "introduced"}
	rec := model.ResultRecord{
		ContentID:      "s-99",
		ContentType:    model.ContentBill,
		Summary:        "A bill.",
		SourceMetadata: meta,
	}
	c := Normalize(rec, "anything", 1, 1)
	meta["status"] = "enacted"
	if c.SourceMetadata["status"] != "introduced" {
		t.Error("citation metadata aliases the input map")
	}
}

func TestExcerptPicksHighestOverlap(t *testing.T) {
	summary := "Amends the tax code. Expands the clean energy tax credit for solar installations. Takes effect next year."
	got := Excerpt(summary, "clean energy credit")
	if want := "Expands the clean energy tax credit for solar installations."; got != want {
		t.Errorf("Excerpt = %q, want %q", got, want)
	}
}

func TestExcerptTieGoesToEarlierSentence(t *testing.T) {
	summary := "Funds water infrastructure. Also funds water infrastructure studies."
	got := Excerpt(summary, "water infrastructure")
	if want := "Funds water infrastructure."; got != want {
		t.Errorf("Excerpt = %q, want %q", got, want)
	}
}

func TestExcerptFallbackTruncates(t *testing.T) {
	long := strings.Repeat("unrelated words about farming subsidies ", 20)
	got := Excerpt(long, "quantum cryptography")
	if len(got) > maxExcerptLen+3 {
		t.Errorf("fallback excerpt too long: %d chars", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("fallback excerpt should be marked truncated: %q", got)
	}
}

func TestExcerptStopWordsDoNotMatch(t *testing.T) {
	summary := "The act is about ports. Establishes port modernization grants."
	got := Excerpt(summary, "the port modernization")
	if want := "Establishes port modernization grants."; got != want {
		t.Errorf("Excerpt = %q, want %q", got, want)
	}
}

func TestExcerptEmptySummary(t *testing.T) {
	if got := Excerpt("   ", "anything"); got != "" {
		t.Errorf("expected empty excerpt, got %q", got)
	}
}

func TestCanonicalURL(t *testing.T) {
	if got := CanonicalURL(model.ContentBill, "hr-1"); got != "/legislation/bills/hr-1" {
		t.Errorf("bill URL = %q", got)
	}
	if got := CanonicalURL(model.ContentExecutiveAction, "eo-2"); got != "/legislation/executive-actions/eo-2" {
		t.Errorf("executive action URL = %q", got)
	}
}
