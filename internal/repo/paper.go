// Package repo holds the process-wide state repositories: bibliographic
// metadata keyed by DOI, the content cache with its on-disk blob store,
// and the runtime configuration snapshot. Repositories are in-memory with
// meta.json persistence; see meta.go.
package repo

import (
	"sort"
	"sync"
	"time"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/paper"
)

// PaperStats summarizes the paper repository for status reporting.
type PaperStats struct {
	Papers      int `json:"papers"`
	WithContent int `json:"with_content"`
	SourceURLs  int `json:"source_urls"`
}

// Papers is the paper metadata repository. Reads take a shared lock;
// writes serialize. Callers always receive deep copies.
type Papers struct {
	mu    sync.RWMutex
	byDOI map[string]*paper.Metadata
	now   func() time.Time
}

// NewPapers creates an empty paper repository.
func NewPapers() *Papers {
	return &Papers{
		byDOI: make(map[string]*paper.Metadata),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Store upserts by normalized DOI. On update, incoming non-empty fields
// win, missing fields keep their stored values, and source_urls union
// with the stored order first. CreatedAt is preserved across updates.
// The merged record is returned.
func (p *Papers) Store(m *paper.Metadata) (*paper.Metadata, error) {
	if m == nil {
		return nil, errs.Invalid("paper", "must not be nil")
	}
	doi := paper.NormalizeDOI(m.DOI)
	if doi == "" {
		return nil, errs.Invalid("doi", "not a valid DOI: "+m.DOI)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	cur, ok := p.byDOI[doi]
	if !ok {
		c := m.Clone()
		c.DOI = doi
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.LastAccessed = now
		p.byDOI[doi] = c
		return c.Clone(), nil
	}

	merged := m.Clone()
	merged.DOI = doi
	merged.SourceURLs = paper.MergeURLs(cur.SourceURLs, m.SourceURLs)
	merged.MergeFrom(cur)
	if merged.ContentHash == "" {
		merged.ContentHash = cur.ContentHash
	}
	merged.CreatedAt = cur.CreatedAt
	merged.LastAccessed = now
	p.byDOI[doi] = merged
	return merged.Clone(), nil
}

// FindByDOI returns the stored record for doi, or nil when absent.
// Lookups accept any DOI spelling the normalizer accepts.
func (p *Papers) FindByDOI(doi string) *paper.Metadata {
	key := paper.NormalizeDOI(doi)
	if key == "" {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byDOI[key].Clone()
}

// Touch bumps last_accessed for doi. Missing records are ignored.
func (p *Papers) Touch(doi string) {
	key := paper.NormalizeDOI(doi)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.byDOI[key]; ok {
		m.LastAccessed = p.now()
	}
}

// Query returns records matching f, ordered by created_at descending
// unless f.OrderBy selects "year". Offset and limit apply after ordering.
func (p *Papers) Query(f paper.Filter) ([]*paper.Metadata, error) {
	if f.Limit < 0 {
		return nil, errs.Invalid("limit", "must not be negative")
	}
	if f.Offset < 0 {
		return nil, errs.Invalid("offset", "must not be negative")
	}

	p.mu.RLock()
	out := make([]*paper.Metadata, 0, len(p.byDOI))
	for _, m := range p.byDOI {
		if f.Matches(m) {
			out = append(out, m.Clone())
		}
	}
	p.mu.RUnlock()

	switch f.OrderBy {
	case "", "created_at":
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].DOI < out[j].DOI
		})
	case "year":
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Year != out[j].Year {
				return out[i].Year > out[j].Year
			}
			return out[i].DOI < out[j].DOI
		})
	default:
		return nil, errs.Invalid("order_by", "unknown ordering: "+f.OrderBy)
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// UpdateContentHash records the hash of a stored artifact for doi.
func (p *Papers) UpdateContentHash(doi, hash string) error {
	key := paper.NormalizeDOI(doi)
	if key == "" {
		return errs.Invalid("doi", "not a valid DOI: "+doi)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byDOI[key]
	if !ok {
		return errs.NotFound("paper", key)
	}
	m.ContentHash = hash
	m.LastAccessed = p.now()
	return nil
}

// ClearContentHash forgets the given artifact hash on every record
// carrying it, keeping paper records honest after the cache evicts the
// underlying blob. It returns the number of records cleared.
func (p *Papers) ClearContentHash(hash string) int {
	if hash == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cleared := 0
	for _, m := range p.byDOI {
		if m.ContentHash == hash {
			m.ContentHash = ""
			cleared++
		}
	}
	return cleared
}

// Clear drops every record. Intended for tests.
func (p *Papers) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byDOI = make(map[string]*paper.Metadata)
}

// Stats counts stored records.
func (p *Papers) Stats() PaperStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var s PaperStats
	s.Papers = len(p.byDOI)
	for _, m := range p.byDOI {
		if m.ContentHash != "" {
			s.WithContent++
		}
		s.SourceURLs += len(m.SourceURLs)
	}
	return s
}

// snapshot returns deep copies of every record for persistence.
func (p *Papers) snapshot() []*paper.Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*paper.Metadata, 0, len(p.byDOI))
	for _, m := range p.byDOI {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DOI < out[j].DOI })
	return out
}

// restore replaces repository contents from a persisted snapshot.
// Records with invalid DOIs are dropped silently.
func (p *Papers) restore(items []*paper.Metadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byDOI = make(map[string]*paper.Metadata, len(items))
	for _, m := range items {
		doi := paper.NormalizeDOI(m.DOI)
		if doi == "" {
			continue
		}
		c := m.Clone()
		c.DOI = doi
		p.byDOI[doi] = c
	}
}
