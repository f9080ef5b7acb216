package repo

import (
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/paper"
)

func TestStoreNormalizesAndInserts(t *testing.T) {
	p := NewPapers()
	got, err := p.Store(&paper.Metadata{DOI: "https://doi.org/10.1145/3297858.3304013", Title: "Paper One"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got.DOI != "10.1145/3297858.3304013" {
		t.Errorf("DOI = %q, want normalized", got.DOI)
	}
	if got.CreatedAt.IsZero() || got.LastAccessed.IsZero() {
		t.Error("timestamps should be set on insert")
	}

	if found := p.FindByDOI("DOI:10.1145/3297858.3304013"); found == nil || found.Title != "Paper One" {
		t.Errorf("FindByDOI = %v, want stored record under any accepted spelling", found)
	}
}

func TestStoreRejectsBadDOI(t *testing.T) {
	p := NewPapers()
	_, err := p.Store(&paper.Metadata{DOI: "not-a-doi"})
	if errs.KindOf(err) != errs.KindInvalidInput {
		t.Errorf("kind = %q, want invalid_input", errs.KindOf(err))
	}
}

func TestStoreMergesOnUpdate(t *testing.T) {
	p := NewPapers()
	first, err := p.Store(&paper.Metadata{
		DOI:        "10.1000/a",
		Title:      "Original Title",
		Year:       2021,
		SourceURLs: []string{"https://a/1.pdf", "https://a/2.pdf"},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	merged, err := p.Store(&paper.Metadata{
		DOI:        "10.1000/a",
		Abstract:   "Now with an abstract.",
		SourceURLs: []string{"https://a/2.pdf", "https://b/3.pdf"},
	})
	if err != nil {
		t.Fatalf("Store update: %v", err)
	}

	if merged.Title != "Original Title" || merged.Year != 2021 {
		t.Errorf("stored fields should survive a sparse update, got %+v", merged)
	}
	if merged.Abstract != "Now with an abstract." {
		t.Error("incoming non-empty field should land")
	}
	want := []string{"https://a/1.pdf", "https://a/2.pdf", "https://b/3.pdf"}
	if !reflect.DeepEqual(merged.SourceURLs, want) {
		t.Errorf("SourceURLs = %v, want ordered union %v", merged.SourceURLs, want)
	}
	if !merged.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt should not change on update")
	}
}

func TestFindByDOIMiss(t *testing.T) {
	p := NewPapers()
	if got := p.FindByDOI("10.1000/absent"); got != nil {
		t.Errorf("FindByDOI = %v, want nil on miss", got)
	}
	if got := p.FindByDOI("garbage"); got != nil {
		t.Errorf("FindByDOI = %v, want nil on invalid DOI", got)
	}
}

func TestFindReturnsCopy(t *testing.T) {
	p := NewPapers()
	if _, err := p.Store(&paper.Metadata{DOI: "10.1000/a", Authors: []string{"Ada"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got := p.FindByDOI("10.1000/a")
	got.Authors[0] = "mutated"
	got.Title = "mutated"
	if again := p.FindByDOI("10.1000/a"); again.Authors[0] != "Ada" || again.Title != "" {
		t.Error("callers must not be able to mutate stored state")
	}
}

func TestQueryFilterAndOrder(t *testing.T) {
	p := NewPapers()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	p.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Minute)
	}

	seed := []*paper.Metadata{
		{DOI: "10.1000/old", Title: "Consensus Basics", Year: 2015, Authors: []string{"Lamport"}},
		{DOI: "10.1000/mid", Title: "Consensus Revisited", Year: 2020, ContentHash: "abc"},
		{DOI: "10.1000/new", Title: "Something Else", Year: 2024},
	}
	for _, m := range seed {
		if _, err := p.Store(m); err != nil {
			t.Fatalf("Store(%s): %v", m.DOI, err)
		}
	}

	got, err := p.Query(paper.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 || got[0].DOI != "10.1000/new" || got[2].DOI != "10.1000/old" {
		t.Errorf("default order should be created_at descending, got %v", dois(got))
	}

	got, err = p.Query(paper.Filter{TitleContains: "consensus", YearFrom: 2018})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].DOI != "10.1000/mid" {
		t.Errorf("filter = %v, want only 10.1000/mid", dois(got))
	}

	got, err = p.Query(paper.Filter{HasContent: paper.Yes})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].DOI != "10.1000/mid" {
		t.Errorf("has_content = %v, want only the hashed record", dois(got))
	}

	got, err = p.Query(paper.Filter{OrderBy: "year", Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[0].Year != 2024 || got[1].Year != 2020 {
		t.Errorf("year order = %v", dois(got))
	}

	got, err = p.Query(paper.Filter{Offset: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != nil {
		t.Errorf("offset past end = %v, want empty", dois(got))
	}

	if _, err := p.Query(paper.Filter{OrderBy: "title"}); errs.KindOf(err) != errs.KindInvalidInput {
		t.Errorf("unknown order_by should be invalid_input, got %v", err)
	}
}

func TestUpdateContentHash(t *testing.T) {
	p := NewPapers()
	if _, err := p.Store(&paper.Metadata{DOI: "10.1000/a"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := p.UpdateContentHash("10.1000/a", "deadbeef"); err != nil {
		t.Fatalf("UpdateContentHash: %v", err)
	}
	if got := p.FindByDOI("10.1000/a"); got.ContentHash != "deadbeef" {
		t.Errorf("ContentHash = %q", got.ContentHash)
	}
	if err := p.UpdateContentHash("10.1000/missing", "x"); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("missing DOI should be not_found, got %v", err)
	}
}

func TestClearContentHash(t *testing.T) {
	p := NewPapers()
	p.Store(&paper.Metadata{DOI: "10.1000/a", ContentHash: "evicted"})
	p.Store(&paper.Metadata{DOI: "10.1000/b", ContentHash: "evicted"})
	p.Store(&paper.Metadata{DOI: "10.1000/c", ContentHash: "kept"})

	if n := p.ClearContentHash("evicted"); n != 2 {
		t.Fatalf("ClearContentHash = %d, want 2", n)
	}
	for _, doi := range []string{"10.1000/a", "10.1000/b"} {
		if got := p.FindByDOI(doi); got.ContentHash != "" {
			t.Errorf("%s ContentHash = %q, want cleared", doi, got.ContentHash)
		}
	}
	if got := p.FindByDOI("10.1000/c"); got.ContentHash != "kept" {
		t.Errorf("unrelated hash cleared: %q", got.ContentHash)
	}
	if n := p.ClearContentHash(""); n != 0 {
		t.Errorf("empty hash cleared %d records, want 0", n)
	}
}

func TestStatsAndClear(t *testing.T) {
	p := NewPapers()
	p.Store(&paper.Metadata{DOI: "10.1000/a", ContentHash: "h", SourceURLs: []string{"u1", "u2"}})
	p.Store(&paper.Metadata{DOI: "10.1000/b"})

	s := p.Stats()
	if s.Papers != 2 || s.WithContent != 1 || s.SourceURLs != 2 {
		t.Errorf("Stats = %+v", s)
	}

	p.Clear()
	if s := p.Stats(); s.Papers != 0 {
		t.Errorf("Stats after Clear = %+v", s)
	}
}

func dois(ms []*paper.Metadata) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.DOI
	}
	return out
}
