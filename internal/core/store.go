package core

import (
	"context"
	"encoding/json"
	"time"
)

// InstallationStore persists installations. Installations are never deleted.
type InstallationStore interface {
	CreateInstallation(ctx context.Context, inst *Installation) error
	GetInstallation(ctx context.Context, id string) (*Installation, error)

	// ListInstallations lists the installations of a user, or all of them if userID is empty.
	ListInstallations(ctx context.Context, userID string) ([]Installation, error)

	// CompareAndSwapInstallation applies mutate to the stored installation if its status
	// still equals expected. On mismatch it returns the current record and ErrConflict.
	CompareAndSwapInstallation(ctx context.Context, id string, expected InstallationStatus, mutate func(*Installation)) (*Installation, error)
}

type ClaimStore interface {
	CreateClaim(ctx context.Context, claim *Claim) error
	GetClaim(ctx context.Context, id string) (*Claim, error)
	ListClaims(ctx context.Context, status ClaimStatus) ([]Claim, error)
	CompareAndSwapClaim(ctx context.Context, id string, expected ClaimStatus, mutate func(*Claim)) (*Claim, error)
}

// IntentFilter narrows intent listings. Zero values match everything.
type IntentFilter struct {
	InstallationIDs []string
	Statuses        []IntentStatus
	ActionKind      ActionKind

	// ExpiresBefore matches intents whose expiry is not after this instant.
	ExpiresBefore time.Time

	Limit int
}

type IntentStore interface {
	// CreateIntent inserts intent unless a live intent already holds the same
	// (installation, idempotency key) slot at now. In that case it returns the
	// holder and created=false. A slot held by an intent past its expiry is taken over.
	CreateIntent(ctx context.Context, intent *Intent, now time.Time) (stored *Intent, created bool, err error)

	GetIntent(ctx context.Context, id string) (*Intent, error)

	// FindIntentByIdempotencyKey returns the intent currently holding the slot,
	// regardless of its expiry.
	FindIntentByIdempotencyKey(ctx context.Context, installationID, key string) (*Intent, error)

	FindIntentByTokenHash(ctx context.Context, tokenHash string) (*Intent, error)
	ListIntents(ctx context.Context, filter IntentFilter) ([]Intent, error)

	// CompareAndSwapIntent applies mutate if the stored status still equals expected.
	// On mismatch it returns the current record and ErrConflict.
	CompareAndSwapIntent(ctx context.Context, id string, expected IntentStatus, mutate func(*Intent)) (*Intent, error)
}

type PlanFilter struct {
	InstallationIDs []string
	Statuses        []PlanStatus
	ExpiresBefore   time.Time
	Limit           int
}

type PlanStore interface {
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	ListPlans(ctx context.Context, filter PlanFilter) ([]Plan, error)
	CompareAndSwapPlan(ctx context.Context, id string, expected PlanStatus, mutate func(*Plan)) (*Plan, error)
}

// CounterStore holds the per-installation daily apply counters.
type CounterStore interface {
	// IncrementDailyCounter increments the counter for (installationID, day) if it is
	// below limit and reports whether the increment happened.
	IncrementDailyCounter(ctx context.Context, installationID, day string, limit int) (bool, error)
}

// AuditStore is the persistence side of the audit chain.
type AuditStore interface {
	// AppendAudit calls build with the current chain head (nil for an empty chain)
	// and appends the returned entry. The build/append pair is serialized against
	// other appends, so build always sees the true head.
	AppendAudit(ctx context.Context, build func(last *AuditEntry) (*AuditEntry, error)) (*AuditEntry, error)

	// ListAudit returns entries ordered by sequence.
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// Store is the full persistence boundary.
type Store interface {
	InstallationStore
	ClaimStore
	IntentStore
	PlanStore
	CounterStore
	AuditStore

	Close() error
}

// ActionExecutor performs the side effect behind a guarded agent action.
// It is only ever called after the intent has been consumed.
type ActionExecutor interface {
	Execute(ctx context.Context, inst *Installation, intent *Intent, payload Payload) (json.RawMessage, error)
}
