package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromUnwrapsWrappedError(t *testing.T) {
	base := Conflict("invalid_state", errors.New("session is approved"))
	wrapped := fmt.Errorf("submit: %w", base)

	got, ok := From(wrapped)
	if !ok {
		t.Fatalf("expected apierr in chain")
	}
	if got.Status != http.StatusConflict || got.Code != "invalid_state" {
		t.Fatalf("unexpected error: %+v", got)
	}
	if got.Error() != "session is approved" {
		t.Fatalf("message: %q", got.Error())
	}
}

func TestErrorMessageFallbacks(t *testing.T) {
	if msg := New(http.StatusBadRequest, "bad", nil).Error(); msg != "bad" {
		t.Fatalf("code fallback: %q", msg)
	}
	if msg := New(http.StatusTeapot, "", nil).Error(); msg != "api error (418)" {
		t.Fatalf("status fallback: %q", msg)
	}
	if _, ok := From(errors.New("plain")); ok {
		t.Fatalf("plain error should not convert")
	}
}
