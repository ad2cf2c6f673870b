package core

import (
	"context"
	"time"
)

type SubjectType string

const (
	SubjectIntent       SubjectType = "intent"
	SubjectPlan         SubjectType = "plan"
	SubjectInstallation SubjectType = "installation"
	SubjectClaim        SubjectType = "claim"
)

type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// AuditEvent names what happened to the subject of an audit entry.
type AuditEvent string

const (
	EventIntentCreated  AuditEvent = "intent.created"
	EventIntentReplayed AuditEvent = "intent.replayed"
	EventIntentApproved AuditEvent = "intent.approved"
	EventIntentDenied   AuditEvent = "intent.denied"
	EventIntentConsumed AuditEvent = "intent.consumed"
	EventIntentExpired  AuditEvent = "intent.expired"
	EventIntentRejected AuditEvent = "intent.rejected"

	EventPlanCreated  AuditEvent = "plan.created"
	EventPlanApproved AuditEvent = "plan.approved"
	EventPlanDenied   AuditEvent = "plan.denied"
	EventPlanExecuted AuditEvent = "plan.executed"
	EventPlanExpired  AuditEvent = "plan.expired"
	EventPlanRejected AuditEvent = "plan.rejected"

	EventClaimRegistered          AuditEvent = "claim.registered"
	EventInstallationClaimed      AuditEvent = "installation.claimed"
	EventInstallationRevoked      AuditEvent = "installation.revoked"
	EventInstallationRotated      AuditEvent = "installation.secret_rotated"
	EventInstallationPolicyUpdate AuditEvent = "installation.policy_updated"

	EventEnforcementUnauthorized AuditEvent = "enforcement.unauthorized"
	EventEnforcementRejected     AuditEvent = "enforcement.rejected"
	EventActionExecuted          AuditEvent = "action.executed"
	EventActionFailed            AuditEvent = "action.failed"
)

// AuditRecord is what callers hand to the audit log. Chain fields are filled in on append.
type AuditRecord struct {
	SubjectType SubjectType
	SubjectID   string
	Event       AuditEvent
	ActorType   ActorType
	ActorID     string
	PayloadHash string
	FailureKind ErrorKind
	Metadata    map[string]string
}

// AuditEntry is one immutable link of the audit chain.
type AuditEntry struct {
	ID       string    `json:"id"`
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`

	SubjectType SubjectType `json:"subject_type"`
	SubjectID   string      `json:"subject_id"`
	Event       AuditEvent  `json:"event"`
	ActorType   ActorType   `json:"actor_type"`
	ActorID     string      `json:"actor_id,omitempty"`

	PayloadHash string            `json:"payload_hash,omitempty"`
	FailureKind ErrorKind         `json:"failure_kind,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// AuditFilter narrows audit listings. Zero values match everything.
type AuditFilter struct {
	SubjectType SubjectType
	SubjectID   string
	Event       AuditEvent
	ActorID     string

	// AfterSequence skips entries up to and including this sequence.
	AfterSequence uint64

	// Limit caps the result. Zero means no limit.
	Limit int
}

func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.SubjectType != "" && e.SubjectType != f.SubjectType {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	return e.Sequence > f.AfterSequence
}

// AuditLog is the write side used by the engine and the enforcement middleware.
type AuditLog interface {
	Record(ctx context.Context, rec AuditRecord) (*AuditEntry, error)
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
