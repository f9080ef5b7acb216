// Package download runs the acquisition state machine: resolve
// candidate URLs, stream to a temp file, verify, and store. Requests
// for the same DOI coalesce into one job; a bounded number of jobs run
// at once.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/httpx"
	"github.com/kalambet/paperdex/internal/paper"
	"github.com/kalambet/paperdex/internal/provider"
	"github.com/kalambet/paperdex/internal/repo"
	"github.com/kalambet/paperdex/internal/storage"
)

const (
	DefaultMaxConcurrent = 3
	minArtifactSize      = 1 << 10
)

// ErrNoSources reports that resolution produced zero candidate URLs.
var ErrNoSources = errs.New(errs.KindNotFound, "no candidate sources")

// Request asks for one paper. Destination defaults to
// <destination_dir>/<doi with slashes flattened>.pdf. Verify toggles
// the structural PDF check on top of size and magic-byte sniffing.
type Request struct {
	DOI         string
	Destination string
	Verify      bool
}

// Result is the terminal outcome of a stored job.
type Result struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Bytes       int64  `json:"bytes"`
}

// Journal records job state transitions. *storage.Store satisfies it;
// a nil journal disables journaling.
type Journal interface {
	CreateJob(storage.Job) error
	UpdateJobState(id, state string) error
	IncrementJobAttempts(id string) error
	CompleteJob(id, contentHash string, bytesRead int64) error
	FailJob(id string, attempts int, errMsg string) error
}

// job is one in-flight download with its subscribers.
type job struct {
	id     string
	doi    string
	dest   string
	verify bool

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	subs int

	res Result
	err error
}

// Service owns the coalescing map and the concurrency gate.
type Service struct {
	providers *provider.Service
	client    *httpx.Client
	papers    *repo.Papers
	cache     *repo.Cache
	journal   Journal

	sem     *semaphore.Weighted
	destDir string
	minSize int64

	mu     sync.Mutex
	active map[string]*job
	wg     sync.WaitGroup
}

// Config wires the download service.
type Config struct {
	Providers      *provider.Service
	Client         *httpx.Client
	Papers         *repo.Papers
	Cache          *repo.Cache
	Journal        Journal
	DestinationDir string
	MaxConcurrent  int
}

// New creates the download service.
func New(cfg Config) *Service {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Service{
		providers: cfg.Providers,
		client:    cfg.Client,
		papers:    cfg.Papers,
		cache:     cfg.Cache,
		journal:   cfg.Journal,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		destDir:   cfg.DestinationDir,
		minSize:   minArtifactSize,
		active:    make(map[string]*job),
	}
}

// Download acquires the paper behind req.DOI. A request for a DOI with
// a job already in flight subscribes to that job and receives the same
// terminal result. Cancelling one subscriber leaves the job running for
// the others; cancelling the last one cancels the job and deletes its
// temp file.
func (s *Service) Download(ctx context.Context, req Request) (Result, error) {
	doi := paper.NormalizeDOI(req.DOI)
	if doi == "" {
		return Result{}, errs.Invalid("doi", "not a valid DOI: "+req.DOI)
	}
	dest := req.Destination
	if dest == "" {
		dest = filepath.Join(s.destDir, flattenDOI(doi)+".pdf")
	}

	s.mu.Lock()
	if j, ok := s.active[doi]; ok {
		j.mu.Lock()
		j.subs++
		j.mu.Unlock()
		s.mu.Unlock()
		return s.wait(ctx, j)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:     uuid.NewString(),
		doi:    doi,
		dest:   dest,
		verify: req.Verify,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   1,
	}
	s.active[doi] = j
	s.wg.Add(1)
	go s.run(jobCtx, j)
	s.mu.Unlock()

	return s.wait(ctx, j)
}

// wait blocks until the job finishes or the subscriber's own context
// ends. The last departing subscriber takes the job down with it.
func (s *Service) wait(ctx context.Context, j *job) (Result, error) {
	select {
	case <-j.done:
		return j.res, j.err
	case <-ctx.Done():
		j.mu.Lock()
		j.subs--
		last := j.subs == 0
		j.mu.Unlock()
		if last {
			j.cancel()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, errs.Wrap(errs.KindTimeout, "waiting for download", ctx.Err())
		}
		return Result{}, errs.Wrap(errs.KindCancelled, "waiting for download", ctx.Err())
	}
}

// Shutdown cancels every in-flight job and waits for them to clean up.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, j := range s.active {
		j.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Active returns the number of in-flight jobs.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) run(ctx context.Context, j *job) {
	defer s.wg.Done()
	res, err := s.execute(ctx, j)

	s.mu.Lock()
	delete(s.active, j.doi)
	s.mu.Unlock()

	j.res, j.err = res, err
	j.cancel()
	close(j.done)
}

// execute drives queued -> resolving -> fetching -> verifying -> stored.
func (s *Service) execute(ctx context.Context, j *job) (Result, error) {
	s.journalCreate(j)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return s.fail(j, 0, errs.Wrap(errs.KindCancelled, "queued", err))
	}
	defer s.sem.Release(1)

	s.journalState(j, storage.StateResolving)
	candidates, err := s.resolve(ctx, j.doi)
	if err != nil {
		return s.fail(j, 0, err)
	}
	if len(candidates) == 0 {
		return s.fail(j, 0, ErrNoSources)
	}

	if err := os.MkdirAll(filepath.Dir(j.dest), 0o755); err != nil {
		return s.fail(j, 0, errs.Wrap(errs.KindStorageError, "creating destination directory", err))
	}
	tmp := j.dest + ".part"

	s.journalState(j, storage.StateFetching)
	attempts := 0
	verifyFailures := 0
	var lastErr error
	for _, url := range candidates {
		if ctx.Err() != nil {
			break
		}
		attempts++
		s.journalAttempt(j)

		size, err := s.fetch(ctx, url, tmp)
		if err != nil {
			if errs.IsCancelled(err) {
				break
			}
			slog.Debug("fetch failed", "doi", j.doi, "url", url, "error", err)
			lastErr = err
			continue
		}

		s.journalState(j, storage.StateVerifying)
		hash, err := s.verify(tmp, size, j.verify)
		if err != nil {
			slog.Debug("verification failed", "doi", j.doi, "url", url, "error", err)
			verifyFailures++
			lastErr = err
			os.Remove(tmp)
			s.journalState(j, storage.StateFetching)
			continue
		}

		res, err := s.store(j, tmp, url, hash, size)
		if err != nil {
			return s.fail(j, attempts, err)
		}
		s.journalComplete(j, res)
		return res, nil
	}

	os.Remove(tmp)
	if ctx.Err() != nil {
		return s.fail(j, attempts, errs.Wrap(errs.KindCancelled, "download cancelled", ctx.Err()))
	}
	if verifyFailures > 0 {
		return s.fail(j, attempts, errs.Wrap(errs.KindVerificationFailed,
			fmt.Sprintf("every candidate failed verification (%d tried)", verifyFailures), lastErr))
	}
	if lastErr != nil {
		return s.fail(j, attempts, lastErr)
	}
	return s.fail(j, attempts, ErrNoSources)
}

// resolve unions the repository's known source URLs with fresh
// provider candidates, repository order first.
func (s *Service) resolve(ctx context.Context, doi string) ([]string, error) {
	var known []string
	if m := s.papers.FindByDOI(doi); m != nil {
		known = m.SourceURLs
	}
	fresh, err := s.providers.Resolve(ctx, doi)
	if err != nil {
		if len(known) == 0 {
			return nil, err
		}
		slog.Debug("provider resolve failed, using stored sources", "doi", doi, "error", err)
	}
	return paper.MergeURLs(known, fresh), nil
}

// fetch streams url into tmp, always starting from zero: a partial
// left behind by a crash or an earlier candidate holds bytes from an
// unknown representation and must not be appended to. One mid-stream
// I/O failure earns a single resume retry, and only when a re-probe of
// the same URL returns the validator the truncated response carried.
func (s *Service) fetch(ctx context.Context, url, tmp string) (int64, error) {
	os.Remove(tmp)

	_, hdr, err := s.client.GetToFile(ctx, url, tmp, nil, 0)
	if err != nil && errs.KindOf(err) == errs.KindIOError {
		// The connection died mid-stream; pick up where the file ends
		// only if the truncated response carried a validator and the
		// server still serves that same representation.
		if v := resumeValidator(hdr); v != "" {
			if st, serr := os.Stat(tmp); serr == nil && st.Size() > 0 {
				if pv, ok := s.probeResume(ctx, url); ok && pv == v {
					_, _, err = s.client.GetToFile(ctx, url, tmp, nil, st.Size())
				}
			}
		}
	}
	if err != nil {
		return 0, err
	}

	st, err := os.Stat(tmp)
	if err != nil {
		return 0, errs.Wrap(errs.KindIOError, "inspecting downloaded file", err)
	}
	return st.Size(), nil
}

// probeResume asks the server whether url supports ranged requests and
// returns its validator (ETag preferred, Last-Modified otherwise).
func (s *Service) probeResume(ctx context.Context, url string) (string, bool) {
	resp, err := s.client.Head(ctx, url)
	if err != nil {
		return "", false
	}
	if v := resumeValidator(resp.Header); v != "" {
		return v, true
	}
	return "", false
}

// resumeValidator extracts the representation validator from response
// headers that advertise byte ranges; empty means resumption is unsafe.
func resumeValidator(h http.Header) string {
	if h == nil || !strings.Contains(h.Get("Accept-Ranges"), "bytes") {
		return ""
	}
	if v := h.Get("ETag"); v != "" {
		return v
	}
	return h.Get("Last-Modified")
}

// verify checks size, the %PDF- magic, optionally the document
// structure, and returns the file's SHA-256.
func (s *Service) verify(path string, size int64, structural bool) (string, error) {
	if size < s.minSize {
		return "", errs.Newf(errs.KindVerificationFailed, "artifact too small: %d bytes", size)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.KindIOError, "opening artifact", err)
	}
	defer f.Close()

	magic := make([]byte, 5)
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", errs.Wrap(errs.KindIOError, "reading artifact header", err)
	}
	if string(magic) != "%PDF-" {
		return "", errs.New(errs.KindVerificationFailed, "missing %PDF- header")
	}

	h := sha256.New()
	h.Write(magic)
	if _, err := io.Copy(h, f); err != nil {
		return "", errs.Wrap(errs.KindIOError, "hashing artifact", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	if structural {
		pf, _, err := pdf.Open(path)
		if err != nil {
			return "", errs.Wrap(errs.KindVerificationFailed, "document structure check", err)
		}
		pf.Close()
	}
	return sum, nil
}

// store renames the temp file into the destination, mirrors it into
// the blob store, and records the hash.
func (s *Service) store(j *job, tmp, url, hash string, size int64) (Result, error) {
	if err := os.Rename(tmp, j.dest); err != nil {
		return Result{}, errs.Wrap(errs.KindStorageError, "renaming into destination", err)
	}

	blob := s.cache.BlobPath(hash)
	if err := linkOrCopy(j.dest, blob); err != nil {
		return Result{}, err
	}
	if _, err := s.cache.Adopt(hash, blob, size, 0); err != nil {
		return Result{}, err
	}

	if _, err := s.papers.Store(&paper.Metadata{DOI: j.doi, SourceURLs: []string{url}}); err != nil {
		return Result{}, err
	}
	if err := s.papers.UpdateContentHash(j.doi, hash); err != nil {
		return Result{}, err
	}

	slog.Info("download stored", "doi", j.doi, "path", j.dest, "bytes", size, "hash", hash)
	return Result{Path: j.dest, ContentHash: hash, Bytes: size}, nil
}

func (s *Service) fail(j *job, attempts int, err error) (Result, error) {
	if s.journal != nil {
		s.journal.FailJob(j.id, attempts, err.Error())
	}
	slog.Warn("download failed", "doi", j.doi, "error", err)
	return Result{}, err
}

func (s *Service) journalCreate(j *job) {
	if s.journal == nil {
		return
	}
	if err := s.journal.CreateJob(storage.Job{ID: j.id, DOI: j.doi, Destination: j.dest}); err != nil {
		slog.Warn("journal create failed", "job", j.id, "error", err)
	}
}

func (s *Service) journalState(j *job, state string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.UpdateJobState(j.id, state); err != nil {
		slog.Warn("journal update failed", "job", j.id, "state", state, "error", err)
	}
}

func (s *Service) journalAttempt(j *job) {
	if s.journal == nil {
		return
	}
	s.journal.IncrementJobAttempts(j.id)
}

func (s *Service) journalComplete(j *job, res Result) {
	if s.journal == nil {
		return
	}
	if err := s.journal.CompleteJob(j.id, res.ContentHash, res.Bytes); err != nil {
		slog.Warn("journal complete failed", "job", j.id, "error", err)
	}
}

// flattenDOI makes a DOI filesystem-safe.
func flattenDOI(doi string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(doi)
}

// linkOrCopy hard-links src to dst, falling back to a copy across
// filesystems. An existing dst with the same content-addressed name is
// left alone.
func linkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errs.Wrap(errs.KindStorageError, "creating blob shard", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return errs.Wrap(errs.KindIOError, "opening stored artifact", err)
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "creating blob temp file", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return errs.Wrap(errs.KindIOError, "copying into blob store", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return errs.Wrap(errs.KindIOError, "closing blob temp file", err)
	}
	if err := os.Rename(out.Name(), dst); err != nil {
		os.Remove(out.Name())
		return errs.Wrap(errs.KindStorageError, "renaming into blob store", err)
	}
	return nil
}
