// Package search fans a query out to metadata-capable providers,
// merges the results by DOI, and ranks them.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/paper"
	"github.com/kalambet/paperdex/internal/provider"
)

const (
	DefaultLimit   = 20
	MaxLimit       = 100
	DefaultTimeout = 10 * time.Second
)

// Ranking weights: provider priority, textual relevance, recency.
const (
	weightPriority = 0.3
	weightTextual  = 0.5
	weightRecency  = 0.2
)

// Options selects what to search and how long to wait. Zero Limit and
// Timeout take the defaults; an empty Providers list means all.
type Options struct {
	Query     string
	Limit     int
	Providers []string
	Timeout   time.Duration
}

// Service coordinates the provider fan-out.
type Service struct {
	providers *provider.Service
	now       func() time.Time
}

// New creates the search service on top of the provider dispatcher.
func New(providers *provider.Service) *Service {
	return &Service{
		providers: providers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Search runs the fan-out. Provider failures are isolated: as long as
// one provider answers, the result carries its papers plus a warning
// per failed provider. Only when every provider fails does the search
// itself fail.
func (s *Service) Search(ctx context.Context, opts Options) (*paper.SearchResult, error) {
	opts.Query = strings.TrimSpace(opts.Query)
	if opts.Query == "" {
		return nil, errs.Invalid("query", "must not be empty")
	}
	if opts.Limit < 0 {
		return nil, errs.Invalid("limit", "must be positive")
	}

	var warnings []string
	if opts.Limit == 0 {
		opts.Limit = DefaultLimit
	} else if opts.Limit > MaxLimit {
		warnings = append(warnings, fmt.Sprintf("limit %d clamped to %d", opts.Limit, MaxLimit))
		opts.Limit = MaxLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	searchers, err := s.selectSearchers(opts.Providers)
	if err != nil {
		return nil, err
	}
	if len(searchers) == 0 {
		return nil, errs.New(errs.KindProviderExhausted, "no search-capable providers enabled")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type hit struct {
		meta     *paper.Metadata
		priority int
	}

	var mu sync.Mutex
	var hits []hit
	var attempts []provider.Attempt

	g, gctx := errgroup.WithContext(ctx)
	for _, sr := range searchers {
		g.Go(func() error {
			d := sr.Descriptor()
			if err := s.providers.Acquire(gctx, d.Name); err != nil {
				mu.Lock()
				attempts = append(attempts, provider.Attempt{Adapter: d.Name, Kind: errs.KindOf(err), Err: err})
				mu.Unlock()
				return nil
			}
			papers, err := sr.Search(gctx, opts.Query, opts.Limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Debug("provider search failed", "provider", d.Name, "error", err)
				attempts = append(attempts, provider.Attempt{Adapter: d.Name, Kind: errs.KindOf(err), Err: err})
				return nil
			}
			for _, m := range papers {
				hits = append(hits, hit{meta: m, priority: d.Priority})
			}
			return nil
		})
	}
	g.Wait()

	if len(attempts) == len(searchers) {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return nil, errs.Wrap(errs.KindTimeout, "search deadline exceeded", ctx.Err())
		case context.Canceled:
			return nil, errs.Wrap(errs.KindCancelled, "search cancelled", ctx.Err())
		}
		return nil, &provider.ExhaustedError{Op: "search " + opts.Query, Attempts: attempts}
	}
	for _, a := range attempts {
		warnings = append(warnings, fmt.Sprintf("provider %s failed: %s", a.Adapter, a.Kind))
	}

	// Merge by normalized DOI; records without a DOI stay distinct.
	type group struct {
		meta     *paper.Metadata
		priority int
	}
	byDOI := make(map[string]*group)
	var order []*group
	for _, h := range hits {
		doi := paper.NormalizeDOI(h.meta.DOI)
		if doi == "" {
			order = append(order, &group{meta: h.meta.Clone(), priority: h.priority})
			continue
		}
		if existing, ok := byDOI[doi]; ok {
			// Lower priority wins the base record; the other fills gaps.
			if h.priority < existing.priority {
				merged := h.meta.Clone()
				merged.MergeFrom(existing.meta)
				existing.meta = merged
				existing.priority = h.priority
			} else {
				existing.meta.MergeFrom(h.meta)
			}
			continue
		}
		grp := &group{meta: h.meta.Clone(), priority: h.priority}
		grp.meta.DOI = doi
		byDOI[doi] = grp
		order = append(order, grp)
	}

	terms := tokenize(opts.Query)
	year := s.now().Year()
	type scored struct {
		meta  *paper.Metadata
		score float64
	}
	ranked := make([]scored, 0, len(order))
	for _, g := range order {
		score := weightPriority*priorityBonus(g.priority) +
			weightTextual*textualScore(terms, g.meta) +
			weightRecency*recencyBonus(g.meta.Year, year)
		ranked = append(ranked, scored{meta: g.meta, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}
	out := &paper.SearchResult{Warnings: warnings}
	for _, r := range ranked {
		out.Papers = append(out.Papers, r.meta)
	}
	return out, nil
}

// selectSearchers returns the search-capable adapters, filtered to the
// requested provider names when given.
func (s *Service) selectSearchers(names []string) ([]provider.Searcher, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "all" {
			want = nil
			break
		}
		want[n] = true
	}

	known := make(map[string]bool)
	var out []provider.Searcher
	for _, a := range s.providers.Adapters() {
		known[a.Descriptor().Name] = true
		sr, ok := a.(provider.Searcher)
		if !ok {
			continue
		}
		if want != nil && len(want) > 0 && !want[a.Descriptor().Name] {
			continue
		}
		out = append(out, sr)
	}
	for n := range want {
		if !known[n] {
			return nil, errs.Invalid("providers", "unknown provider: "+n)
		}
	}
	return out, nil
}

func tokenize(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, `.,;:"'()[]`)
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// priorityBonus maps a descriptor priority (lower is better) into [0,1].
func priorityBonus(priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 100 {
		priority = 100
	}
	return 1 - float64(priority)/100
}

// textualScore is the fraction of query terms found in the title, plus
// half credit for terms found only in the abstract.
func textualScore(terms []string, m *paper.Metadata) float64 {
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(m.Title)
	abstract := strings.ToLower(m.Abstract)
	var score float64
	for _, t := range terms {
		switch {
		case strings.Contains(title, t):
			score += 1
		case strings.Contains(abstract, t):
			score += 0.5
		}
	}
	return score / float64(len(terms))
}

// recencyBonus favors recent publication years linearly over the last
// two decades. Unknown years score zero.
func recencyBonus(year, current int) float64 {
	if year <= 0 || year > current {
		return 0
	}
	age := current - year
	if age >= 20 {
		return 0
	}
	return 1 - float64(age)/20
}
