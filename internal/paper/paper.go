// Package paper defines the shared bibliographic data structures: paper
// metadata keyed by normalized DOI, search inputs and results, and the
// repository filter grammar.
package paper

import (
	"regexp"
	"strings"
	"time"
)

// doiPattern matches bare DOIs: "10.1145/1234567.1234568".
var doiPattern = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)

// NormalizeDOI lowercases a DOI and strips the "doi:" and
// "https://doi.org/" style prefixes. It returns the empty string when the
// remainder is not a syntactically valid DOI.
func NormalizeDOI(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	if !doiPattern.MatchString(s) {
		return ""
	}
	return s
}

// Metadata holds bibliographic metadata for one paper, keyed by
// normalized DOI. ContentHash is set only once an artifact with that hash
// exists in the cache.
type Metadata struct {
	DOI          string    `json:"doi"`
	Title        string    `json:"title,omitempty"`
	Authors      []string  `json:"authors,omitempty"`
	Abstract     string    `json:"abstract,omitempty"`
	Year         int       `json:"year,omitempty"`
	Venue        string    `json:"venue,omitempty"`
	SourceURLs   []string  `json:"source_urls,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	LastAccessed time.Time `json:"last_accessed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a deep copy so repository callers cannot mutate stored state.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Authors = append([]string(nil), m.Authors...)
	c.SourceURLs = append([]string(nil), m.SourceURLs...)
	return &c
}

// MergeFrom fills empty fields of m from other. Non-empty fields win on
// first-come basis except SourceURLs, which union preserving m's order
// first, then other's.
func (m *Metadata) MergeFrom(other *Metadata) {
	if other == nil {
		return
	}
	if m.Title == "" {
		m.Title = other.Title
	}
	if len(m.Authors) == 0 {
		m.Authors = append([]string(nil), other.Authors...)
	}
	if m.Abstract == "" {
		m.Abstract = other.Abstract
	}
	if m.Year == 0 {
		m.Year = other.Year
	}
	if m.Venue == "" {
		m.Venue = other.Venue
	}
	m.SourceURLs = MergeURLs(m.SourceURLs, other.SourceURLs)
}

// MergeURLs unions two ordered URL lists, preserving first-seen order and
// dropping duplicates.
func MergeURLs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lst := range [][]string{a, b} {
		for _, u := range lst {
			if u == "" {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TriState is a yes/no/don't-care filter value.
type TriState int

const (
	Any TriState = iota
	Yes
	No
)

// Filter selects papers in repository queries. Zero values mean "no
// constraint".
type Filter struct {
	Author        string
	YearFrom      int
	YearTo        int
	TitleContains string
	HasContent    TriState
	Limit         int
	Offset        int
	OrderBy       string // "created_at" (default) or "year"
}

// Matches reports whether m satisfies every constraint of f.
func (f Filter) Matches(m *Metadata) bool {
	if f.Author != "" {
		found := false
		needle := strings.ToLower(f.Author)
		for _, a := range m.Authors {
			if strings.Contains(strings.ToLower(a), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.YearFrom != 0 && m.Year < f.YearFrom {
		return false
	}
	if f.YearTo != 0 && (m.Year == 0 || m.Year > f.YearTo) {
		return false
	}
	if f.TitleContains != "" && !strings.Contains(strings.ToLower(m.Title), strings.ToLower(f.TitleContains)) {
		return false
	}
	switch f.HasContent {
	case Yes:
		if m.ContentHash == "" {
			return false
		}
	case No:
		if m.ContentHash != "" {
			return false
		}
	}
	return true
}

// SearchResult is the ranked, merged outcome of a provider fan-out.
type SearchResult struct {
	Papers   []*Metadata `json:"papers"`
	Warnings []string    `json:"warnings,omitempty"`
}
