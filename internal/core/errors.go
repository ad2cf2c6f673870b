package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies authorization failures. Kinds are stable and appear in
// API responses and audit entries.
type ErrorKind string

const (
	KindInstallationRevoked ErrorKind = "installation_revoked"
	KindScopeDenied         ErrorKind = "scope_denied"
	KindCategoryDenied      ErrorKind = "category_denied"
	KindPolicyDenied        ErrorKind = "policy_denied"
	KindRateLimited         ErrorKind = "rate_limited"
	KindInvalidTransition   ErrorKind = "invalid_transition"
	KindNotApproved         ErrorKind = "not_approved"
	KindExpired             ErrorKind = "expired"
	KindPayloadMismatch     ErrorKind = "payload_mismatch"
	KindInvalidPlanMember   ErrorKind = "invalid_plan_member"
	KindPlanMemberExpired   ErrorKind = "plan_member_expired"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindNotFound            ErrorKind = "not_found"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindConflict            ErrorKind = "conflict"
)

// Error is a classified failure. Two Errors match with errors.Is when their kinds
// are equal and the target carries no message, so the sentinels below can be used
// as targets for any message.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrInstallationRevoked = &Error{Kind: KindInstallationRevoked}
	ErrScopeDenied         = &Error{Kind: KindScopeDenied}
	ErrCategoryDenied      = &Error{Kind: KindCategoryDenied}
	ErrPolicyDenied        = &Error{Kind: KindPolicyDenied}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrNotApproved         = &Error{Kind: KindNotApproved}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrPayloadMismatch     = &Error{Kind: KindPayloadMismatch}
	ErrInvalidPlanMember   = &Error{Kind: KindInvalidPlanMember}
	ErrPlanMemberExpired   = &Error{Kind: KindPlanMemberExpired}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}

	// ErrConflict is returned by stores when a conditional update lost against
	// the current state of the record.
	ErrConflict = &Error{Kind: KindConflict}
)

// KindOf extracts the kind of a classified error, or "" if err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
