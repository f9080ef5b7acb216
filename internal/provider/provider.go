// Package provider implements the adapter contract for external
// bibliographic sources and the ordered, rate-aware dispatch over them.
//
// Each adapter fronts one external API. Adapters are stateless with
// respect to the HTTP facade and declare their Descriptor; optional
// capabilities (search, metadata lookup) are expressed as additional
// interfaces checked by type assertion rather than a type hierarchy.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/paper"
)

// Descriptor identifies a provider. Immutable for the process lifetime.
type Descriptor struct {
	Name            string `json:"name"`
	BaseURL         string `json:"base_url"`
	Priority        int    `json:"priority"` // lower = tried first
	RateLimitPerSec int    `json:"rate_limit_per_sec"`
	Enabled         bool   `json:"enabled"`
}

// Adapter is the minimum contract: resolve a DOI to candidate download
// URLs in preference order. Returning zero candidates with a nil error
// means the provider knows no URLs; an error means the provider itself
// failed.
type Adapter interface {
	Descriptor() Descriptor
	Resolve(ctx context.Context, doi string) ([]string, error)
}

// Searcher is the optional full-text-search capability.
type Searcher interface {
	Adapter
	Search(ctx context.Context, query string, limit int) ([]*paper.Metadata, error)
}

// Enricher is the optional metadata-by-DOI capability.
type Enricher interface {
	Adapter
	ByDOI(ctx context.Context, doi string) (*paper.Metadata, error)
}

// Attempt records one adapter's final classification inside an
// aggregate failure.
type Attempt struct {
	Adapter string
	Kind    errs.Kind
	Err     error
}

// ExhaustedError aggregates per-adapter failures once every option is
// spent. It reports KindProviderExhausted.
type ExhaustedError struct {
	Op       string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %s (%v)", a.Adapter, a.Kind, a.Err)
	}
	return fmt.Sprintf("%s: all providers failed: %s", e.Op, strings.Join(parts, "; "))
}

// Is makes errors.Is and errs.KindOf see provider exhaustion.
func (e *ExhaustedError) Is(target error) bool {
	return errs.KindOf(target) == errs.KindProviderExhausted
}

// Kind lets errs.KindOf classify without unwrapping.
func (e *ExhaustedError) Unwrap() error {
	return errs.New(errs.KindProviderExhausted, "all providers failed")
}
