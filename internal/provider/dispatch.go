package provider

import (
	"context"
	"log/slog"
	"sort"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/ratelimit"
)

// Service drives rate-aware, priority-ordered dispatch across adapters
// with fail-over. Retriable failures inside one adapter are already
// retried by the HTTP facade; here a failed adapter simply advances to
// the next.
type Service struct {
	adapters []Adapter
	limiter  *ratelimit.Keyed
}

// NewService registers enabled adapters in priority order and configures
// one limiter bucket per adapter.
func NewService(limiter *ratelimit.Keyed, adapters ...Adapter) *Service {
	enabled := make([]Adapter, 0, len(adapters))
	for _, a := range adapters {
		d := a.Descriptor()
		if !d.Enabled {
			continue
		}
		limiter.Set(d.Name, ratelimit.Limit{PerSec: d.RateLimitPerSec})
		enabled = append(enabled, a)
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Descriptor().Priority < enabled[j].Descriptor().Priority
	})
	return &Service{adapters: enabled, limiter: limiter}
}

// Adapters returns the enabled adapters in priority order.
func (s *Service) Adapters() []Adapter {
	return s.adapters
}

// Descriptors returns the enabled descriptors in priority order.
func (s *Service) Descriptors() []Descriptor {
	out := make([]Descriptor, len(s.adapters))
	for i, a := range s.adapters {
		out[i] = a.Descriptor()
	}
	return out
}

// Acquire blocks on the named adapter's rate bucket.
func (s *Service) Acquire(ctx context.Context, name string) error {
	return s.limiter.Acquire(ctx, name)
}

// Resolve collects candidate download URLs for a DOI from every enabled
// adapter, in priority order, each gated by its rate bucket. Candidates
// keep provider-priority order and are deduplicated. A single adapter
// failing is tolerated; if every adapter fails and no candidate was
// found, the aggregate names each adapter and its final classification.
func (s *Service) Resolve(ctx context.Context, doi string) ([]string, error) {
	var candidates []string
	var attempts []Attempt

	for _, a := range s.adapters {
		d := a.Descriptor()
		if err := s.limiter.Acquire(ctx, d.Name); err != nil {
			return candidates, err
		}

		urls, err := a.Resolve(ctx, doi)
		if err != nil {
			if errs.IsCancelled(err) {
				return candidates, err
			}
			slog.Debug("resolve failed", "provider", d.Name, "doi", doi, "error", err)
			attempts = append(attempts, Attempt{Adapter: d.Name, Kind: errs.KindOf(err), Err: err})
			continue
		}
		if len(urls) > 0 {
			slog.Debug("resolve candidates", "provider", d.Name, "doi", doi, "count", len(urls))
		}
		seen := make(map[string]struct{}, len(candidates))
		for _, u := range candidates {
			seen[u] = struct{}{}
		}
		for _, u := range urls {
			if _, dup := seen[u]; !dup {
				candidates = append(candidates, u)
			}
		}
	}

	if len(candidates) == 0 && len(attempts) == len(s.adapters) && len(attempts) > 0 {
		return nil, &ExhaustedError{Op: "resolve " + doi, Attempts: attempts}
	}
	return candidates, nil
}

// Dispatch runs op against adapters in priority order, acquiring a rate
// token before each, and short-circuits on the first success. Terminal
// and exhausted-retry failures advance to the next adapter; cancellation
// propagates unchanged.
func Dispatch[T any](ctx context.Context, s *Service, opName string, op func(ctx context.Context, a Adapter) (T, bool, error)) (T, error) {
	var zero T
	var attempts []Attempt

	for _, a := range s.adapters {
		d := a.Descriptor()
		if err := s.limiter.Acquire(ctx, d.Name); err != nil {
			return zero, err
		}

		v, ok, err := op(ctx, a)
		if err != nil {
			if errs.IsCancelled(err) {
				return zero, err
			}
			attempts = append(attempts, Attempt{Adapter: d.Name, Kind: errs.KindOf(err), Err: err})
			continue
		}
		if ok {
			return v, nil
		}
		attempts = append(attempts, Attempt{Adapter: d.Name, Kind: errs.KindNotFound, Err: errs.NotFound(opName, d.Name)})
	}

	return zero, &ExhaustedError{Op: opName, Attempts: attempts}
}
