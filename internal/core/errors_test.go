package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("consuming intent: %w", NewError(KindExpired, "intent '%s' expired", "i-1"))

	if !errors.Is(err, ErrExpired) {
		t.Error("wrapped error does not match its kind sentinel")
	}
	if errors.Is(err, ErrNotApproved) {
		t.Error("error matches a sentinel of another kind")
	}
	if !errors.Is(err, &Error{Kind: KindExpired, Msg: "intent 'i-1' expired"}) {
		t.Error("error does not match a target with the same message")
	}
	if errors.Is(err, &Error{Kind: KindExpired, Msg: "other"}) {
		t.Error("error matches a target with another message")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{errors.New("plain"), ""},
		{ErrScopeDenied, KindScopeDenied},
		{fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrPayloadMismatch)), KindPayloadMismatch},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestError_Error(t *testing.T) {
	if got := ErrConflict.Error(); got != "conflict" {
		t.Errorf("Error() = %q", got)
	}
	if got := NewError(KindNotFound, "plan '%s' not found", "p").Error(); got != "not_found: plan 'p' not found" {
		t.Errorf("Error() = %q", got)
	}
}
