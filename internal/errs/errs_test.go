package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", New(KindRateLimited, "slow down"), KindRateLimited},
		{"wrapped classified", fmt.Errorf("outer: %w", New(KindNotFound, "gone")), KindNotFound},
		{"context cancelled", context.Canceled, KindCancelled},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"plain error", errors.New("boom"), KindTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestKindOfNil(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(New(KindRetriable, "503")) {
		t.Error("Retriable kind should be retriable")
	}
	if !IsRetriable(New(KindRateLimited, "429")) {
		t.Error("RateLimited kind should be retriable")
	}
	if IsRetriable(New(KindTerminal, "404")) {
		t.Error("Terminal kind should not be retriable")
	}
	if IsRetriable(New(KindInvalidInput, "bad doi")) {
		t.Error("InvalidInput should not be retriable")
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindIOError, "write", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindIOError, "writing blob", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause with errors.Is")
	}
	if KindOf(err) != KindIOError {
		t.Errorf("KindOf = %q, want io_error", KindOf(err))
	}
}

func TestInvalidNamesField(t *testing.T) {
	err := Invalid("limit", "must be between 1 and 100")
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("KindOf = %q", KindOf(err))
	}
	want := "invalid_input: limit: must be between 1 and 100"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsCancelledThroughWrapping(t *testing.T) {
	err := Wrap(KindIOError, "copy", context.Canceled)
	if !IsCancelled(err) {
		t.Error("cancellation should be detected through wrapping")
	}
}
