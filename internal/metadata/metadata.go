// Package metadata resolves bibliographic records: repository first,
// then metadata-capable providers, merging fields across sources.
package metadata

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/paper"
	"github.com/kalambet/paperdex/internal/provider"
	"github.com/kalambet/paperdex/internal/repo"
	"github.com/kalambet/paperdex/internal/search"
)

// enrichLimit caps how many search hits get opportunistically enriched.
const enrichLimit = 5

// Service answers metadata lookups and enriched searches.
type Service struct {
	papers    *repo.Papers
	providers *provider.Service
	searcher  *search.Service
	parallel  int
}

// New wires the metadata service. parallel bounds concurrent
// enrichment during search; values below 1 mean 1.
func New(papers *repo.Papers, providers *provider.Service, searcher *search.Service, parallel int) *Service {
	if parallel < 1 {
		parallel = 1
	}
	return &Service{papers: papers, providers: providers, searcher: searcher, parallel: parallel}
}

// Enrich returns the record for doi, consulting the repository first
// and falling back to providers. Provider answers are merged in
// priority order, first non-empty field wins, and the merged record is
// stored before returning.
func (s *Service) Enrich(ctx context.Context, doi string) (*paper.Metadata, error) {
	key := paper.NormalizeDOI(doi)
	if key == "" {
		return nil, errs.Invalid("doi", "not a valid DOI: "+doi)
	}

	if m := s.papers.FindByDOI(key); m != nil {
		s.papers.Touch(key)
		return m, nil
	}
	return s.fromProviders(ctx, key)
}

// fromProviders queries every metadata-capable adapter in priority
// order, merges the answers, and upserts the result.
func (s *Service) fromProviders(ctx context.Context, key string) (*paper.Metadata, error) {
	var merged *paper.Metadata
	var attempts []provider.Attempt
	misses := 0
	for _, a := range s.providers.Adapters() {
		en, ok := a.(provider.Enricher)
		if !ok {
			continue
		}
		d := a.Descriptor()
		if err := s.providers.Acquire(ctx, d.Name); err != nil {
			return nil, err
		}
		m, err := en.ByDOI(ctx, key)
		if err != nil {
			if errs.IsCancelled(err) {
				return nil, err
			}
			if errs.KindOf(err) == errs.KindNotFound {
				misses++
				continue
			}
			slog.Debug("enrich failed", "provider", d.Name, "doi", key, "error", err)
			attempts = append(attempts, provider.Attempt{Adapter: d.Name, Kind: errs.KindOf(err), Err: err})
			continue
		}
		if m == nil {
			misses++
			continue
		}
		if merged == nil {
			merged = m.Clone()
		} else {
			merged.MergeFrom(m)
		}
	}

	if merged == nil {
		if len(attempts) > 0 && misses == 0 {
			return nil, &provider.ExhaustedError{Op: "metadata " + key, Attempts: attempts}
		}
		return nil, errs.NotFound("paper", key)
	}

	merged.DOI = key
	stored, err := s.papers.Store(merged)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Search delegates to the search service, records the hits, and
// opportunistically enriches a bounded number of abstract-less results
// in parallel. Enrichment failures never fail the search.
func (s *Service) Search(ctx context.Context, opts search.Options) (*paper.SearchResult, error) {
	res, err := s.searcher.Search(ctx, opts)
	if err != nil {
		return nil, err
	}

	for i, m := range res.Papers {
		if m.DOI == "" {
			continue
		}
		if stored, err := s.papers.Store(m); err == nil {
			res.Papers[i] = stored
		}
	}

	var sparse []int
	for i, m := range res.Papers {
		if m.DOI != "" && m.Abstract == "" {
			sparse = append(sparse, i)
			if len(sparse) == enrichLimit {
				break
			}
		}
	}
	if len(sparse) == 0 {
		return res, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, i := range sparse {
		g.Go(func() error {
			enriched, err := s.fromProviders(gctx, res.Papers[i].DOI)
			if err != nil {
				slog.Debug("opportunistic enrichment failed", "doi", res.Papers[i].DOI, "error", err)
				return nil
			}
			res.Papers[i] = enriched
			return nil
		})
	}
	g.Wait()
	return res, nil
}
