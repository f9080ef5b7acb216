// Package httpx is the outbound HTTP facade. One Client serves the whole
// process: it bounds redirects, classifies responses as retriable or
// terminal, and retries retriable failures with jittered exponential
// backoff before surfacing them.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/kalambet/paperdex/internal/errs"
)

const (
	maxRedirects    = 10
	defaultAttempts = 3
	baseBackoff     = 500 * time.Millisecond
	backoffFactor   = 2
	jitterFraction  = 0.2
)

// Config tunes the facade.
type Config struct {
	Timeout   time.Duration // per-request total timeout; default 30s
	UserAgent string
	Attempts  int // retry budget for retriable failures; default 3
}

// Client wraps http.Client with classification and retry.
// Safe for concurrent use.
type Client struct {
	http      *http.Client
	userAgent string
	attempts  int
}

// New creates the process-wide HTTP client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "paperdex/1.0 (mailto:paperdex@users.noreply.github.com)"
	}
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		attempts:  cfg.Attempts,
	}
}

// Classify maps an HTTP status to the error taxonomy. 2xx is not an
// error; 5xx, 408 and 429 are retriable; remaining 4xx are terminal.
func Classify(status int) errs.Kind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusTooManyRequests:
		return errs.KindRateLimited
	case status == http.StatusRequestTimeout:
		return errs.KindRetriable
	case status >= 500:
		return errs.KindRetriable
	default:
		return errs.KindTerminal
	}
}

// Get issues a GET with retry on retriable failures and returns the
// response with its body stream open. The caller owns closing the body.
// Non-2xx responses are drained, closed, and returned as classified
// errors.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt, retryAfterHint(lastErr)); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidInput, "building request", err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, errs.Wrap(errs.KindCancelled, "request", err)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, errs.Wrap(errs.KindTimeout, "request", err)
			}
			// Connect and DNS failures are retriable.
			lastErr = errs.Wrap(errs.KindRetriable, "request", err)
			continue
		}

		kind := Classify(resp.StatusCode)
		if kind == "" {
			return resp, nil
		}

		hdrErr := &statusError{status: resp.StatusCode, retryAfter: resp.Header.Get("Retry-After")}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		classified := errs.Wrap(kind, fmt.Sprintf("GET %s", url), hdrErr)
		if kind == errs.KindTerminal {
			return nil, classified
		}
		lastErr = classified
	}
	return nil, lastErr
}

// GetToFile streams url into path, creating or truncating it. It returns
// the number of bytes written and the response headers, so callers can
// read validators (ETag, Last-Modified) off a stream that died partway.
// When resumeFrom is positive a Range header is sent and the file is
// opened for append; a 200 response (server ignored the range) truncates
// and restarts.
func (c *Client) GetToFile(ctx context.Context, url, path string, headers map[string]string, resumeFrom int64) (int64, http.Header, error) {
	hdrs := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		hdrs[k] = v
	}
	if resumeFrom > 0 {
		hdrs["Range"] = fmt.Sprintf("bytes=%d-", resumeFrom)
	}

	resp, err := c.Get(ctx, url, hdrs)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, resp.Header, errs.Wrap(errs.KindIOError, "opening download file", err)
	}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		if errs.IsCancelled(copyErr) || errors.Is(copyErr, context.Canceled) {
			return n, resp.Header, errs.Wrap(errs.KindCancelled, "streaming body", copyErr)
		}
		return n, resp.Header, errs.Wrap(errs.KindIOError, "streaming body", copyErr)
	}
	if closeErr != nil {
		return n, resp.Header, errs.Wrap(errs.KindIOError, "closing download file", closeErr)
	}

	slog.Debug("download stream complete", "url", url, "bytes", n, "resumed_from", resumeFrom)
	return n, resp.Header, nil
}

// Head issues a HEAD request without retry, used for probing Range and
// validator support.
func (c *Client) Head(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "building request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindRetriable, "request", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if kind := Classify(resp.StatusCode); kind != "" {
		return nil, errs.Newf(kind, "HEAD %s: status %d", url, resp.StatusCode)
	}
	return resp, nil
}

// statusError carries the HTTP status behind a classified error.
type statusError struct {
	status     int
	retryAfter string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d", e.status)
}

// StatusCode extracts the HTTP status from a classified error chain,
// or 0 when none is present.
func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}

func retryAfterHint(err error) time.Duration {
	var se *statusError
	if !errors.As(err, &se) || se.retryAfter == "" {
		return 0
	}
	if secs, perr := strconv.Atoi(se.retryAfter); perr == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, perr := http.ParseTime(se.retryAfter); perr == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// sleepBackoff waits base*factor^(attempt-1) with ±20% jitter, or the
// server-provided hint when larger.
func sleepBackoff(ctx context.Context, attempt int, hint time.Duration) error {
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFraction * float64(d))
	d += jitter
	if hint > d {
		d = hint
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errs.Wrap(errs.KindTimeout, "backoff wait", ctx.Err())
		}
		return errs.Wrap(errs.KindCancelled, "backoff wait", ctx.Err())
	case <-t.C:
		return nil
	}
}
