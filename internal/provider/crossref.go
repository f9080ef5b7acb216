package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/httpx"
	"github.com/kalambet/paperdex/internal/paper"
)

const crossrefDefaultBaseURL = "https://api.crossref.org"

// Crossref fronts the CrossRef works API. It is the main metadata
// source; full-text links are returned when a work record carries them.
type Crossref struct {
	desc   Descriptor
	client *httpx.Client
	mailto string
}

// NewCrossref creates the CrossRef adapter. mailto joins the polite
// pool; empty is allowed.
func NewCrossref(client *httpx.Client, desc Descriptor, mailto string) *Crossref {
	desc.Name = "crossref"
	if desc.BaseURL == "" {
		desc.BaseURL = crossrefDefaultBaseURL
	}
	if desc.Priority == 0 {
		desc.Priority = 40
	}
	if desc.RateLimitPerSec == 0 {
		desc.RateLimitPerSec = 10
	}
	return &Crossref{desc: desc, client: client, mailto: mailto}
}

func (c *Crossref) Descriptor() Descriptor { return c.desc }

// CrossRef API structures.
type crossrefWork struct {
	DOI            string   `json:"DOI"`
	Title          []string `json:"title"`
	Abstract       string   `json:"abstract"`
	ContainerTitle []string `json:"container-title"`
	Author         []struct {
		Given  string `json:"given"`
		Family string `json:"family"`
	} `json:"author"`
	Issued struct {
		DateParts [][]int `json:"date-parts"`
	} `json:"issued"`
	Link []struct {
		URL         string `json:"URL"`
		ContentType string `json:"content-type"`
	} `json:"link"`
}

func (w crossrefWork) toMetadata() *paper.Metadata {
	m := &paper.Metadata{
		DOI:      paper.NormalizeDOI(w.DOI),
		Abstract: stripJATS(w.Abstract),
	}
	if len(w.Title) > 0 {
		m.Title = w.Title[0]
	}
	if len(w.ContainerTitle) > 0 {
		m.Venue = w.ContainerTitle[0]
	}
	for _, a := range w.Author {
		if name := strings.TrimSpace(a.Given + " " + a.Family); name != "" {
			m.Authors = append(m.Authors, name)
		}
	}
	if len(w.Issued.DateParts) > 0 && len(w.Issued.DateParts[0]) > 0 {
		m.Year = w.Issued.DateParts[0][0]
	}
	m.SourceURLs = w.pdfLinks()
	return m
}

// pdfLinks orders explicit PDF links before other full-text links.
func (w crossrefWork) pdfLinks() []string {
	var pdfs, rest []string
	for _, l := range w.Link {
		if l.URL == "" {
			continue
		}
		if l.ContentType == "application/pdf" || strings.HasSuffix(l.URL, ".pdf") {
			pdfs = append(pdfs, l.URL)
		} else {
			rest = append(rest, l.URL)
		}
	}
	return paper.MergeURLs(pdfs, rest)
}

func (c *Crossref) get(ctx context.Context, u string, out any) error {
	resp, err := c.client.Get(ctx, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindSerializationError, "parsing CrossRef response", err)
	}
	return nil
}

// ByDOI fetches one work record.
func (c *Crossref) ByDOI(ctx context.Context, doi string) (*paper.Metadata, error) {
	u := fmt.Sprintf("%s/works/%s", c.desc.BaseURL, url.PathEscape(doi))
	if c.mailto != "" {
		u += "?mailto=" + url.QueryEscape(c.mailto)
	}
	var body struct {
		Message crossrefWork `json:"message"`
	}
	if err := c.get(ctx, u, &body); err != nil {
		if errs.KindOf(err) == errs.KindTerminal && httpx.StatusCode(err) == 404 {
			return nil, errs.NotFound("work", doi)
		}
		return nil, err
	}
	return body.Message.toMetadata(), nil
}

// Resolve returns the work's full-text links, PDF links first.
func (c *Crossref) Resolve(ctx context.Context, doi string) ([]string, error) {
	m, err := c.ByDOI(ctx, doi)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return m.SourceURLs, nil
}

// Search runs a bibliographic query against /works.
func (c *Crossref) Search(ctx context.Context, query string, limit int) ([]*paper.Metadata, error) {
	u := fmt.Sprintf("%s/works?query=%s&rows=%d&select=DOI,title,abstract,author,issued,link,container-title",
		c.desc.BaseURL, url.QueryEscape(query), limit)
	if c.mailto != "" {
		u += "&mailto=" + url.QueryEscape(c.mailto)
	}

	var body struct {
		Message struct {
			Items []crossrefWork `json:"items"`
		} `json:"message"`
	}
	if err := c.get(ctx, u, &body); err != nil {
		return nil, err
	}

	papers := make([]*paper.Metadata, 0, len(body.Message.Items))
	for _, item := range body.Message.Items {
		papers = append(papers, item.toMetadata())
	}
	return papers, nil
}

// stripJATS removes the JATS XML tags CrossRef embeds in abstracts.
func stripJATS(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
