package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/httpx"
)

const unpaywallDefaultBaseURL = "https://api.unpaywall.org/v2"

// Unpaywall is a per-DOI open-access lookup. It only resolves; the API
// has no usable free-text search.
type Unpaywall struct {
	desc   Descriptor
	client *httpx.Client
	email  string
}

// NewUnpaywall creates the Unpaywall adapter. The API requires an email
// parameter; the adapter is disabled when none is configured.
func NewUnpaywall(client *httpx.Client, desc Descriptor, email string) *Unpaywall {
	desc.Name = "unpaywall"
	if desc.BaseURL == "" {
		desc.BaseURL = unpaywallDefaultBaseURL
	}
	if desc.Priority == 0 {
		desc.Priority = 30
	}
	if desc.RateLimitPerSec == 0 {
		desc.RateLimitPerSec = 10
	}
	if email == "" {
		desc.Enabled = false
	}
	return &Unpaywall{desc: desc, client: client, email: email}
}

func (u *Unpaywall) Descriptor() Descriptor { return u.desc }

// Resolve returns the best open-access location for the DOI: the PDF URL
// first, then the landing URL.
func (u *Unpaywall) Resolve(ctx context.Context, doi string) ([]string, error) {
	api := fmt.Sprintf("%s/%s?email=%s", u.desc.BaseURL, url.PathEscape(doi), url.QueryEscape(u.email))

	resp, err := u.client.Get(ctx, api, nil)
	if err != nil {
		if errs.KindOf(err) == errs.KindTerminal && httpx.StatusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		IsOA           bool `json:"is_oa"`
		BestOALocation struct {
			URLForPDF string `json:"url_for_pdf"`
			URL       string `json:"url"`
		} `json:"best_oa_location"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Wrap(errs.KindSerializationError, "parsing Unpaywall response", err)
	}
	if !body.IsOA {
		return nil, nil
	}

	var urls []string
	if body.BestOALocation.URLForPDF != "" {
		urls = append(urls, body.BestOALocation.URLForPDF)
	}
	if body.BestOALocation.URL != "" && body.BestOALocation.URL != body.BestOALocation.URLForPDF {
		urls = append(urls, body.BestOALocation.URL)
	}
	return urls, nil
}
