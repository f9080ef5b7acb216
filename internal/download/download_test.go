package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/httpx"
	"github.com/kalambet/paperdex/internal/paper"
	"github.com/kalambet/paperdex/internal/provider"
	"github.com/kalambet/paperdex/internal/ratelimit"
	"github.com/kalambet/paperdex/internal/repo"
	"github.com/kalambet/paperdex/internal/storage"
)

// resolveStub hands out fixed candidate URLs.
type resolveStub struct {
	desc provider.Descriptor
	urls []string
	err  error
}

func (r *resolveStub) Descriptor() provider.Descriptor { return r.desc }

func (r *resolveStub) Resolve(ctx context.Context, doi string) ([]string, error) {
	return r.urls, r.err
}

// recordingJournal captures every transition for assertions.
type recordingJournal struct {
	mu     sync.Mutex
	states []string
}

func (r *recordingJournal) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingJournal) CreateJob(j storage.Job) error              { r.record(storage.StateQueued); return nil }
func (r *recordingJournal) UpdateJobState(id, state string) error      { r.record(state); return nil }
func (r *recordingJournal) IncrementJobAttempts(id string) error       { return nil }
func (r *recordingJournal) CompleteJob(id, h string, n int64) error    { r.record(storage.StateStored); return nil }
func (r *recordingJournal) FailJob(id string, a int, msg string) error { r.record(storage.StateFailed); return nil }

func (r *recordingJournal) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func pdfBytes(filler byte) []byte {
	b := []byte("%PDF-1.4\n")
	return append(b, bytes.Repeat([]byte{filler}, 2<<10)...)
}

func newTestService(t *testing.T, journal Journal, urls ...string) (*Service, *repo.Papers, *repo.Cache) {
	t.Helper()
	papers := repo.NewPapers()
	cache, err := repo.NewCache(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	stub := &resolveStub{desc: provider.Descriptor{Name: "stub", Enabled: true}, urls: urls}
	svc := New(Config{
		Providers:      provider.NewService(ratelimit.NewKeyed(ratelimit.Limit{}), stub),
		Client:         httpx.New(httpx.Config{Timeout: 10 * time.Second, Attempts: 1}),
		Papers:         papers,
		Cache:          cache,
		Journal:        journal,
		DestinationDir: t.TempDir(),
	})
	return svc, papers, cache
}

func TestDownloadStoresArtifact(t *testing.T) {
	content := pdfBytes('a')
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	journal := &recordingJournal{}
	svc, papers, cache := newTestService(t, journal, srv.URL+"/paper.pdf")

	res, err := svc.Download(context.Background(), Request{DOI: "10.1000/stored"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Bytes != int64(len(content)) {
		t.Errorf("Bytes = %d, want %d", res.Bytes, len(content))
	}
	if res.ContentHash == "" {
		t.Fatal("ContentHash missing")
	}

	data, err := os.ReadFile(res.Path)
	if err != nil || !bytes.Equal(data, content) {
		t.Errorf("destination content mismatch: %v", err)
	}
	if _, err := os.Stat(res.Path + ".part"); !os.IsNotExist(err) {
		t.Error("temp file should not survive a stored job")
	}
	if _, err := os.Stat(cache.BlobPath(res.ContentHash)); err != nil {
		t.Errorf("artifact missing from blob store: %v", err)
	}
	if _, ok := cache.Get(res.ContentHash); !ok {
		t.Error("cache entry keyed by content hash missing")
	}
	if m := papers.FindByDOI("10.1000/stored"); m == nil || m.ContentHash != res.ContentHash {
		t.Errorf("paper record should carry the content hash: %+v", m)
	}

	want := []string{
		storage.StateQueued, storage.StateResolving, storage.StateFetching,
		storage.StateVerifying, storage.StateStored,
	}
	got := journal.snapshot()
	if len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal = %v, want %v", got, want)
		}
	}
}

func TestDownloadDiscardsStalePartial(t *testing.T) {
	content := pdfBytes('v')
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1"`)
		if rng := r.Header.Get("Range"); rng != "" {
			t.Errorf("unexpected ranged request: %q", rng)
		}
		w.Write(content)
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, nil, srv.URL+"/paper.pdf")

	// Bytes left behind by an interrupted earlier run must not be
	// appended to; they came from an unknown representation.
	dest := filepath.Join(t.TempDir(), "paper.pdf")
	if err := os.WriteFile(dest+".part", bytes.Repeat([]byte("junk"), 600), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res, err := svc.Download(context.Background(), Request{DOI: "10.1000/stale", Destination: dest})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil || !bytes.Equal(data, content) {
		t.Errorf("stale partial bytes leaked into the artifact: %v", err)
	}
}

func TestDownloadResumesAfterStreamFailure(t *testing.T) {
	content := pdfBytes('r')
	half := len(content) / 2
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"r1"`)
		if r.Method == http.MethodHead {
			return
		}
		switch gets.Add(1) {
		case 1:
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Write(content[:half])
			w.(http.Flusher).Flush()
			// Let the flushed half reach the client before the abort.
			time.Sleep(50 * time.Millisecond)
			panic(http.ErrAbortHandler)
		default:
			var off int
			if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-", &off); err != nil || off <= 0 || off >= len(content) {
				t.Errorf("Range = %q, want a mid-file resume", r.Header.Get("Range"))
				off = 0
			}
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[off:])
		}
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, nil, srv.URL+"/paper.pdf")

	res, err := svc.Download(context.Background(), Request{DOI: "10.1000/resumed"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if gets.Load() != 2 {
		t.Errorf("GET count = %d, want truncated stream plus one resume", gets.Load())
	}
	data, err := os.ReadFile(res.Path)
	if err != nil || !bytes.Equal(data, content) {
		t.Errorf("resumed artifact mismatch: %v", err)
	}
}

func TestDownloadFallsBackToNextCandidate(t *testing.T) {
	var bad, good atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bad.pdf":
			bad.Add(1)
			w.Write([]byte("<html>not a pdf, also far too short</html>"))
		case "/good.pdf":
			good.Add(1)
			w.Write(pdfBytes('g'))
		}
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, nil, srv.URL+"/bad.pdf", srv.URL+"/good.pdf")

	res, err := svc.Download(context.Background(), Request{DOI: "10.1000/fallback"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if bad.Load() != 1 || good.Load() != 1 {
		t.Errorf("requests = (bad %d, good %d), want one each", bad.Load(), good.Load())
	}
	if res.ContentHash == "" {
		t.Error("fallback candidate should verify and store")
	}
}

func TestDownloadVerificationExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("junk"))
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, nil, srv.URL+"/a.pdf", srv.URL+"/b.pdf")

	_, err := svc.Download(context.Background(), Request{DOI: "10.1000/junk"})
	if errs.KindOf(err) != errs.KindVerificationFailed {
		t.Errorf("kind = %q, want verification_failed", errs.KindOf(err))
	}
}

func TestDownloadNoSources(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	_, err := svc.Download(context.Background(), Request{DOI: "10.1000/nowhere"})
	if !errors.Is(err, ErrNoSources) {
		t.Errorf("err = %v, want ErrNoSources", err)
	}
}

func TestDownloadInvalidDOI(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.Download(context.Background(), Request{DOI: "not a doi"})
	if errs.KindOf(err) != errs.KindInvalidInput {
		t.Errorf("kind = %q, want invalid_input", errs.KindOf(err))
	}
}

func TestDownloadCoalescesByDOI(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write(pdfBytes('c'))
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, nil, srv.URL+"/paper.pdf")

	const subscribers = 4
	results := make([]Result, subscribers)
	errsOut := make([]error, subscribers)
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = svc.Download(context.Background(), Request{DOI: "10.1000/shared"})
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want coalesced 1", hits.Load())
	}
	for i := 1; i < subscribers; i++ {
		if errsOut[i] != nil || results[i].ContentHash != results[0].ContentHash {
			t.Errorf("subscriber %d = (%+v, %v), want shared terminal result", i, results[i], errsOut[i])
		}
	}
}

func TestDownloadSurvivesOneSubscriberCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write(pdfBytes('s'))
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, nil, srv.URL+"/paper.pdf")

	ctx1, cancel1 := context.WithCancel(context.Background())
	var res2 Result
	var err2 error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.Download(ctx1, Request{DOI: "10.1000/multi"})
	}()
	go func() {
		defer wg.Done()
		res2, err2 = svc.Download(context.Background(), Request{DOI: "10.1000/multi"})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel1()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if err2 != nil || res2.ContentHash == "" {
		t.Errorf("remaining subscriber = (%+v, %v), want completed job", res2, err2)
	}
}

func TestDownloadLastSubscriberCancelKillsJob(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("%PDF-1.4\n"))
		w.(http.Flusher).Flush()
		close(started)
		<-block
	}))
	defer srv.Close()
	defer close(block)

	svc, _, _ := newTestService(t, nil, srv.URL+"/paper.pdf")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Download(ctx, Request{DOI: "10.1000/doomed"})
		done <- err
	}()

	<-started
	cancel()
	if err := <-done; errs.KindOf(err) != errs.KindCancelled {
		t.Fatalf("kind = %q, want cancelled", errs.KindOf(err))
	}

	svc.Shutdown()
	matches, _ := filepath.Glob(filepath.Join(svc.destDir, "*.part"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
	if svc.Active() != 0 {
		t.Error("cancelled job should leave the active map")
	}
}

func TestDownloadPrefersStoredSourceURLs(t *testing.T) {
	var stored atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stored.pdf" {
			stored.Add(1)
		}
		w.Write(pdfBytes('p'))
	}))
	defer srv.Close()

	svc, papers, _ := newTestService(t, nil, srv.URL+"/provider.pdf")
	if _, err := papers.Store(&paper.Metadata{
		DOI:        "10.1000/known",
		SourceURLs: []string{srv.URL + "/stored.pdf"},
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if _, err := svc.Download(context.Background(), Request{DOI: "10.1000/known"}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if stored.Load() != 1 {
		t.Error("repository source URLs should be tried first")
	}
}

func TestVerifyStructuralCheckRejectsFakePDF(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	path := filepath.Join(t.TempDir(), "fake.pdf")
	if err := os.WriteFile(path, pdfBytes('x'), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Magic bytes alone pass without the structural check.
	if _, err := svc.verify(path, int64(len(pdfBytes('x'))), false); err != nil {
		t.Fatalf("sniff-only verify: %v", err)
	}
	// The structural check sees through a fake body.
	if _, err := svc.verify(path, int64(len(pdfBytes('x'))), true); errs.KindOf(err) != errs.KindVerificationFailed {
		t.Errorf("structural verify = %v, want verification_failed", err)
	}
}
