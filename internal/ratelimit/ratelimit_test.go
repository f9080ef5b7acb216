package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/paperdex/internal/errs"
)

func TestAcquireEnforcesRate(t *testing.T) {
	k := NewKeyed(Limit{})
	k.Set("arxiv", Limit{PerSec: 2, Burst: 2})

	// Burst of 2 is free; 10 requests at 2/s need >= 4s for the rest.
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := k.Acquire(context.Background(), "arxiv"); err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 3900*time.Millisecond {
		t.Errorf("10 acquires at 2/s finished in %v, want >= ~4s", elapsed)
	}
}

func TestAcquireCancellation(t *testing.T) {
	k := NewKeyed(Limit{})
	k.Set("slow", Limit{PerSec: 1, Burst: 1})

	// Drain the bucket.
	if err := k.Acquire(context.Background(), "slow"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := k.Acquire(ctx, "slow")
	if err == nil {
		t.Fatal("Acquire should fail when cancelled while waiting")
	}
	if errs.KindOf(err) != errs.KindCancelled {
		t.Errorf("KindOf = %q, want cancelled", errs.KindOf(err))
	}
}

func TestAcquireDeadline(t *testing.T) {
	k := NewKeyed(Limit{})
	k.Set("slow", Limit{PerSec: 1, Burst: 1})
	if err := k.Acquire(context.Background(), "slow"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := k.Acquire(ctx, "slow")
	if errs.KindOf(err) != errs.KindTimeout {
		t.Errorf("KindOf = %q, want timeout", errs.KindOf(err))
	}
}

func TestUnknownKeyUsesFallback(t *testing.T) {
	k := NewKeyed(Limit{PerSec: 1, Burst: 1})

	if !k.Allow("mystery") {
		t.Fatal("first request against fallback bucket should pass")
	}
	if k.Allow("mystery") {
		t.Error("second immediate request should be throttled by fallback")
	}
}

func TestZeroFallbackIsUnlimited(t *testing.T) {
	k := NewKeyed(Limit{})
	for i := 0; i < 100; i++ {
		if !k.Allow("anything") {
			t.Fatal("unlimited bucket should always allow")
		}
	}
}

func TestKeysAreIndependent(t *testing.T) {
	k := NewKeyed(Limit{})
	k.Set("a", Limit{PerSec: 1, Burst: 1})
	k.Set("b", Limit{PerSec: 1, Burst: 1})

	if !k.Allow("a") || !k.Allow("b") {
		t.Fatal("each key has its own bucket")
	}
	if k.Allow("a") {
		t.Error("key a should be drained")
	}
}
