package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/httpx"
	"github.com/kalambet/paperdex/internal/paper"
)

const openalexDefaultBaseURL = "https://api.openalex.org"

// OpenAlex fronts the OpenAlex works API, used both for open-access PDF
// resolution and metadata enrichment.
type OpenAlex struct {
	desc   Descriptor
	client *httpx.Client
	mailto string
}

// NewOpenAlex creates the OpenAlex adapter.
func NewOpenAlex(client *httpx.Client, desc Descriptor, mailto string) *OpenAlex {
	desc.Name = "openalex"
	if desc.BaseURL == "" {
		desc.BaseURL = openalexDefaultBaseURL
	}
	if desc.Priority == 0 {
		desc.Priority = 20
	}
	if desc.RateLimitPerSec == 0 {
		desc.RateLimitPerSec = 10
	}
	return &OpenAlex{desc: desc, client: client, mailto: mailto}
}

func (o *OpenAlex) Descriptor() Descriptor { return o.desc }

type openalexWork struct {
	DOI             string `json:"doi"` // "https://doi.org/10.xxxx/..."
	Title           string `json:"title"`
	PublicationYear int    `json:"publication_year"`
	BestOALocation  *struct {
		PDFURL         string `json:"pdf_url"`
		LandingPageURL string `json:"landing_page_url"`
	} `json:"best_oa_location"`
	PrimaryLocation *struct {
		Source *struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`
	Authorships []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

func (w openalexWork) toMetadata() *paper.Metadata {
	m := &paper.Metadata{
		DOI:      paper.NormalizeDOI(w.DOI),
		Title:    w.Title,
		Year:     w.PublicationYear,
		Abstract: invertAbstract(w.AbstractInvertedIndex),
	}
	if w.PrimaryLocation != nil && w.PrimaryLocation.Source != nil {
		m.Venue = w.PrimaryLocation.Source.DisplayName
	}
	for _, a := range w.Authorships {
		if a.Author.DisplayName != "" {
			m.Authors = append(m.Authors, a.Author.DisplayName)
		}
	}
	if w.BestOALocation != nil && w.BestOALocation.PDFURL != "" {
		m.SourceURLs = []string{w.BestOALocation.PDFURL}
	}
	return m
}

func (o *OpenAlex) get(ctx context.Context, u string, out any) error {
	resp, err := o.client.Get(ctx, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindSerializationError, "parsing OpenAlex response", err)
	}
	return nil
}

func (o *OpenAlex) work(ctx context.Context, doi string) (*openalexWork, error) {
	u := fmt.Sprintf("%s/works/https://doi.org/%s", o.desc.BaseURL, doi)
	if o.mailto != "" {
		u += "?mailto=" + url.QueryEscape(o.mailto)
	}
	var w openalexWork
	if err := o.get(ctx, u, &w); err != nil {
		if errs.KindOf(err) == errs.KindTerminal && httpx.StatusCode(err) == 404 {
			return nil, errs.NotFound("work", doi)
		}
		return nil, err
	}
	return &w, nil
}

// Resolve returns the best open-access PDF location for the DOI, if any.
func (o *OpenAlex) Resolve(ctx context.Context, doi string) ([]string, error) {
	w, err := o.work(ctx, doi)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if w.BestOALocation == nil {
		return nil, nil
	}
	var urls []string
	if w.BestOALocation.PDFURL != "" {
		urls = append(urls, w.BestOALocation.PDFURL)
	}
	if w.BestOALocation.LandingPageURL != "" {
		urls = append(urls, w.BestOALocation.LandingPageURL)
	}
	return urls, nil
}

// ByDOI fetches metadata for one work.
func (o *OpenAlex) ByDOI(ctx context.Context, doi string) (*paper.Metadata, error) {
	w, err := o.work(ctx, doi)
	if err != nil {
		return nil, err
	}
	return w.toMetadata(), nil
}

// Search queries /works by full text relevance.
func (o *OpenAlex) Search(ctx context.Context, query string, limit int) ([]*paper.Metadata, error) {
	u := fmt.Sprintf("%s/works?search=%s&per-page=%d", o.desc.BaseURL, url.QueryEscape(query), limit)
	if o.mailto != "" {
		u += "&mailto=" + url.QueryEscape(o.mailto)
	}
	var body struct {
		Results []openalexWork `json:"results"`
	}
	if err := o.get(ctx, u, &body); err != nil {
		return nil, err
	}
	papers := make([]*paper.Metadata, 0, len(body.Results))
	for _, w := range body.Results {
		papers = append(papers, w.toMetadata())
	}
	return papers, nil
}

// invertAbstract rebuilds the abstract text from OpenAlex's inverted
// index (word -> positions).
func invertAbstract(idx map[string][]int) string {
	if len(idx) == 0 {
		return ""
	}
	type posWord struct {
		pos  int
		word string
	}
	var words []posWord
	for w, positions := range idx {
		for _, p := range positions {
			words = append(words, posWord{pos: p, word: w})
		}
	}
	sort.Slice(words, func(i, j int) bool { return words[i].pos < words[j].pos })
	parts := make([]string, len(words))
	for i, pw := range words {
		parts[i] = pw.word
	}
	return strings.Join(parts, " ")
}
