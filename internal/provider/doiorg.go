package provider

import (
	"context"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/httpx"
)

const doiOrgDefaultBaseURL = "https://doi.org"

// DOIOrg is the last-resort resolver: it follows the doi.org redirect to
// the publisher landing page and scans the HTML for PDF links. It makes
// no attempt at publisher-specific heuristics.
type DOIOrg struct {
	desc   Descriptor
	client *httpx.Client
}

// NewDOIOrg creates the doi.org fallback adapter.
func NewDOIOrg(client *httpx.Client, desc Descriptor) *DOIOrg {
	desc.Name = "doiorg"
	if desc.BaseURL == "" {
		desc.BaseURL = doiOrgDefaultBaseURL
	}
	if desc.Priority == 0 {
		desc.Priority = 50
	}
	if desc.RateLimitPerSec == 0 {
		desc.RateLimitPerSec = 5
	}
	return &DOIOrg{desc: desc, client: client}
}

func (d *DOIOrg) Descriptor() Descriptor { return d.desc }

// Resolve fetches the landing page behind the DOI and extracts candidate
// PDF URLs in document order.
func (d *DOIOrg) Resolve(ctx context.Context, doi string) ([]string, error) {
	resp, err := d.client.Get(ctx, d.desc.BaseURL+"/"+doi, map[string]string{
		"Accept": "text/html,application/pdf",
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindTerminal && httpx.StatusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	// The resolver may hand back the PDF itself.
	final := resp.Request.URL
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/pdf") {
		return []string{final.String()}, nil
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return nil, nil
	}

	urls, err := extractPDFLinks(resp.Body, final)
	if err != nil {
		return nil, errs.Wrap(errs.KindSerializationError, "parsing landing page", err)
	}
	return urls, nil
}

// extractPDFLinks walks the HTML tree collecting citation_pdf_url meta
// tags and anchors that look like PDF links, resolved against base.
func extractPDFLinks(r io.Reader, base *url.URL) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var meta, anchors []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				if attr(n, "name") == "citation_pdf_url" {
					if c := attr(n, "content"); c != "" {
						meta = append(meta, c)
					}
				}
			case "a":
				href := attr(n, "href")
				if href != "" && looksLikePDF(href) {
					anchors = append(anchors, href)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var out []string
	seen := make(map[string]struct{})
	for _, raw := range append(meta, anchors...) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(u).String()
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	return out, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func looksLikePDF(href string) bool {
	h := strings.ToLower(href)
	return strings.HasSuffix(h, ".pdf") || strings.Contains(h, "/pdf/") || strings.Contains(h, "type=pdf")
}
