// Package ratelimit enforces per-endpoint request rates with token
// buckets. One Keyed limiter is shared process-wide; each endpoint key
// gets its own bucket so a slow provider cannot starve the others.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kalambet/paperdex/internal/errs"
)

// Limit describes one endpoint's bucket.
type Limit struct {
	PerSec int
	Burst  int // defaults to PerSec when zero
}

// Keyed hands out token-bucket limiters by endpoint key. The zero rate
// for unknown keys falls back to the configured default.
type Keyed struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	limits   map[string]Limit
	fallback Limit
}

// NewKeyed creates a Keyed limiter. fallback applies to keys with no
// explicit limit; a non-positive fallback rate means unknown keys are
// unlimited.
func NewKeyed(fallback Limit) *Keyed {
	return &Keyed{
		buckets:  make(map[string]*rate.Limiter),
		limits:   make(map[string]Limit),
		fallback: fallback,
	}
}

// Set registers the limit for key. Later Acquire calls for the key use
// the new bucket; an existing bucket is replaced.
func (k *Keyed) Set(key string, l Limit) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.limits[key] = l
	delete(k.buckets, key)
}

func (k *Keyed) bucket(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok := k.buckets[key]; ok {
		return b
	}
	l, ok := k.limits[key]
	if !ok {
		l = k.fallback
	}
	if l.PerSec <= 0 {
		b := rate.NewLimiter(rate.Inf, 0)
		k.buckets[key] = b
		return b
	}
	burst := l.Burst
	if burst <= 0 {
		burst = l.PerSec
	}
	b := rate.NewLimiter(rate.Limit(l.PerSec), burst)
	k.buckets[key] = b
	return b
}

// Acquire blocks until a token is available for key or ctx is done.
// Cancellation while waiting returns Cancelled (or Timeout) without
// consuming a token.
func (k *Keyed) Acquire(ctx context.Context, key string) error {
	if err := k.bucket(key).Wait(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errs.Wrap(errs.KindTimeout, "rate limiter wait", err)
		}
		return errs.Wrap(errs.KindCancelled, "rate limiter wait", err)
	}
	return nil
}

// Allow reports whether a token is immediately available for key,
// consuming it if so.
func (k *Keyed) Allow(key string) bool {
	return k.bucket(key).Allow()
}

// Tokens returns the number of tokens currently available for key.
func (k *Keyed) Tokens(key string) float64 {
	return k.bucket(key).Tokens()
}
