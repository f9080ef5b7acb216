package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/httpx"
	"github.com/kalambet/paperdex/internal/paper"
)

const arxivDefaultBaseURL = "https://export.arxiv.org/api/query"

// Arxiv fronts the arXiv Atom API. It supports search and, for papers
// arXiv indexes, DOI resolution to the direct PDF endpoint.
type Arxiv struct {
	desc   Descriptor
	client *httpx.Client
}

// NewArxiv creates the arXiv adapter. Zero descriptor fields get
// sensible defaults; BaseURL is overridable for tests.
func NewArxiv(client *httpx.Client, desc Descriptor) *Arxiv {
	desc.Name = "arxiv"
	if desc.BaseURL == "" {
		desc.BaseURL = arxivDefaultBaseURL
	}
	if desc.Priority == 0 {
		desc.Priority = 10
	}
	if desc.RateLimitPerSec == 0 {
		desc.RateLimitPerSec = 3
	}
	return &Arxiv{desc: desc, client: client}
}

func (a *Arxiv) Descriptor() Descriptor { return a.desc }

// arXiv Atom feed structures.
type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string        `xml:"id"` // "http://arxiv.org/abs/2301.12345v1"
	Title     string        `xml:"title"`
	Summary   string        `xml:"summary"`
	Published string        `xml:"published"`
	DOI       string        `xml:"doi"`
	Authors   []arxivAuthor `xml:"author"`
	Links     []arxivLink   `xml:"link"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

type arxivLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

func (a *Arxiv) query(ctx context.Context, searchQuery string, limit int) ([]arxivEntry, error) {
	u := fmt.Sprintf("%s?search_query=%s&start=0&max_results=%d",
		a.desc.BaseURL, url.QueryEscape(searchQuery), limit)

	resp, err := a.client.Get(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, errs.Wrap(errs.KindSerializationError, "parsing arXiv feed", err)
	}
	return feed.Entries, nil
}

// Resolve looks the DOI up on arXiv and returns the PDF endpoint when
// the paper is indexed there.
func (a *Arxiv) Resolve(ctx context.Context, doi string) ([]string, error) {
	entries, err := a.query(ctx, fmt.Sprintf("all:%q", doi), 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if u := entries[0].pdfURL(); u != "" {
		return []string{u}, nil
	}
	return nil, nil
}

// Search runs a free-text query against the arXiv API.
func (a *Arxiv) Search(ctx context.Context, query string, limit int) ([]*paper.Metadata, error) {
	entries, err := a.query(ctx, "all:"+query, limit)
	if err != nil {
		return nil, err
	}

	papers := make([]*paper.Metadata, 0, len(entries))
	for _, e := range entries {
		m := &paper.Metadata{
			DOI:      paper.NormalizeDOI(e.DOI),
			Title:    collapseWhitespace(e.Title),
			Abstract: strings.TrimSpace(e.Summary),
			Venue:    "arXiv",
		}
		for _, au := range e.Authors {
			if name := strings.TrimSpace(au.Name); name != "" {
				m.Authors = append(m.Authors, name)
			}
		}
		if t, perr := time.Parse(time.RFC3339, e.Published); perr == nil {
			m.Year = t.Year()
		}
		if u := e.pdfURL(); u != "" {
			m.SourceURLs = []string{u}
		}
		papers = append(papers, m)
	}
	return papers, nil
}

// pdfURL prefers the feed's explicit PDF link and falls back to
// rewriting the abs URL.
func (e arxivEntry) pdfURL() string {
	for _, l := range e.Links {
		if l.Type == "application/pdf" || strings.Contains(l.Href, "/pdf/") {
			return l.Href
		}
	}
	if strings.Contains(e.ID, "/abs/") {
		return strings.Replace(e.ID, "/abs/", "/pdf/", 1)
	}
	return ""
}

// collapseWhitespace squeezes the newline-wrapped titles arXiv returns.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
