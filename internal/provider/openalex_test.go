package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestOpenAlexResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"doi": "https://doi.org/10.1038/s41586-020-2649-2",
			"title": "Array programming with NumPy",
			"publication_year": 2020,
			"best_oa_location": {
				"pdf_url": "https://www.nature.com/articles/s41586-020-2649-2.pdf",
				"landing_page_url": "https://www.nature.com/articles/s41586-020-2649-2"
			}
		}`)
	}))
	defer srv.Close()

	o := NewOpenAlex(newTestHTTP(t), Descriptor{BaseURL: srv.URL, Enabled: true}, "")
	urls, err := o.Resolve(context.Background(), "10.1038/s41586-020-2649-2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{
		"https://www.nature.com/articles/s41586-020-2649-2.pdf",
		"https://www.nature.com/articles/s41586-020-2649-2",
	}
	if !reflect.DeepEqual(urls, want) {
		t.Errorf("urls = %v, want %v", urls, want)
	}
}

func TestOpenAlexResolveNoOALocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"doi": "https://doi.org/10.1/x", "title": "Paywalled"}`)
	}))
	defer srv.Close()

	o := NewOpenAlex(newTestHTTP(t), Descriptor{BaseURL: srv.URL, Enabled: true}, "")
	urls, err := o.Resolve(context.Background(), "10.1/x")
	if err != nil || urls != nil {
		t.Errorf("Resolve = (%v, %v), want (nil, nil)", urls, err)
	}
}

func TestOpenAlexByDOIMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"doi": "https://doi.org/10.1/x",
			"title": "T",
			"publication_year": 2021,
			"primary_location": {"source": {"display_name": "Nature"}},
			"authorships": [{"author": {"display_name": "Jane Doe"}}],
			"abstract_inverted_index": {"second": [1], "first": [0], "third": [2]}
		}`)
	}))
	defer srv.Close()

	o := NewOpenAlex(newTestHTTP(t), Descriptor{BaseURL: srv.URL, Enabled: true}, "")
	m, err := o.ByDOI(context.Background(), "10.1/x")
	if err != nil {
		t.Fatalf("ByDOI: %v", err)
	}
	if m.Venue != "Nature" || m.Year != 2021 || len(m.Authors) != 1 {
		t.Errorf("metadata = %+v", m)
	}
	if m.Abstract != "first second third" {
		t.Errorf("Abstract = %q, inverted index should reconstruct in order", m.Abstract)
	}
}

func TestInvertAbstractEmpty(t *testing.T) {
	if got := invertAbstract(nil); got != "" {
		t.Errorf("invertAbstract(nil) = %q", got)
	}
}
