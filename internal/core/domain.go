package core

import (
	"encoding/json"
	"slices"
	"time"
)

type InstallationStatus string

const (
	InstallationActive  InstallationStatus = "active"
	InstallationRevoked InstallationStatus = "revoked"
)

// Policy controls what an installation may do without a human in the loop.
type Policy struct {
	// RequireApprovalForPublish keeps publish-type intents PENDING until a human approves them.
	RequireApprovalForPublish bool `json:"require_approval_for_publish" yaml:"require_approval_for_publish"`

	// RequireApprovalForApply keeps apply-type intents PENDING until a human approves them.
	RequireApprovalForApply bool `json:"require_approval_for_apply" yaml:"require_approval_for_apply"`

	// DailyApplyLimit caps apply-type intents per UTC calendar day.
	// Zero means no limit.
	DailyApplyLimit int `json:"daily_apply_limit" yaml:"daily_apply_limit"`

	// AllowedCategories restricts payload categories. Empty allows every category.
	AllowedCategories []string `json:"allowed_categories,omitempty" yaml:"allowed_categories"`
}

// AllowsCategory reports whether the policy admits a payload category.
// Payloads without a category are never restricted.
func (p Policy) AllowsCategory(category string) bool {
	if category == "" || len(p.AllowedCategories) == 0 {
		return true
	}
	return slices.Contains(p.AllowedCategories, category)
}

// RequiresApproval reports whether an intent of the given kind must wait for a human.
func (p Policy) RequiresApproval(kind ActionKind) bool {
	switch kind.Class() {
	case ClassPublish:
		return p.RequireApprovalForPublish
	case ClassApply:
		return p.RequireApprovalForApply
	default:
		// payment-affecting changes always need a human
		return true
	}
}

// Installation binds one agent to one human account.
type Installation struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	// ClaimID is the onboarding claim this installation was created from.
	ClaimID string `json:"claim_id"`

	Status InstallationStatus `json:"status"`
	Scopes []string           `json:"scopes"`
	Policy Policy             `json:"policy"`

	// SecretHash is the bcrypt hash of the agent secret. The plaintext is never stored.
	SecretHash string `json:"-"`

	CreatedAt         time.Time  `json:"created_at"`
	LastTokenIssuedAt *time.Time `json:"last_token_issued_at,omitempty"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevokedReason     string     `json:"revoked_reason,omitempty"`
}

func (i *Installation) IsActive() bool {
	return i != nil && i.Status == InstallationActive
}

func (i *Installation) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

type ClaimStatus string

const (
	ClaimPending ClaimStatus = "pending"
	ClaimClaimed ClaimStatus = "claimed"
	ClaimExpired ClaimStatus = "expired"
)

// Claim is the one-time onboarding handle a human follows to approve a bot.
type Claim struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	RequestedScopes []string `json:"requested_scopes"`

	// SecretHash is the hash of the secret handed to the agent at registration.
	// It becomes the installation secret once the claim is approved.
	SecretHash string `json:"-"`

	Status    ClaimStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`

	InstallationID string     `json:"installation_id,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
}

type IntentStatus string

const (
	IntentPending  IntentStatus = "PENDING"
	IntentApproved IntentStatus = "APPROVED"
	IntentDenied   IntentStatus = "DENIED"
	IntentExpired  IntentStatus = "EXPIRED"
	IntentConsumed IntentStatus = "CONSUMED"
)

// Intent is a single proposed agent action, bound to exactly one payload.
type Intent struct {
	ID             string     `json:"id"`
	InstallationID string     `json:"installation_id"`
	ActionKind     ActionKind `json:"action_kind"`
	Category       string     `json:"category,omitempty"`

	// PayloadHash binds the intent to its payload, see crypto.HashPayload.
	PayloadHash string `json:"payload_hash"`

	// Payload is the canonical JSON of the payload, kept for dashboards.
	Payload json.RawMessage `json:"payload,omitempty"`

	Status         IntentStatus `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`

	// TokenHash is the hash of the single-use bearer token handed out at creation.
	TokenHash string `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	DecidedBy  string     `json:"decided_by,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Lapsed reports whether the intent is still PENDING or APPROVED but past its expiry.
func (i *Intent) Lapsed(now time.Time) bool {
	if i.Status != IntentPending && i.Status != IntentApproved {
		return false
	}
	return !now.Before(i.ExpiresAt)
}

// EffectiveStatus is the status with lazy expiry applied.
func (i *Intent) EffectiveStatus(now time.Time) IntentStatus {
	if i.Lapsed(now) {
		return IntentExpired
	}
	return i.Status
}

type PlanStatus string

const (
	PlanPending  PlanStatus = "PENDING"
	PlanApproved PlanStatus = "APPROVED"
	PlanExecuted PlanStatus = "EXECUTED"
	PlanDenied   PlanStatus = "DENIED"
	PlanExpired  PlanStatus = "EXPIRED"
)

// IsTerminal reports whether the plan can no longer change.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanExecuted || s == PlanDenied || s == PlanExpired
}

// Plan is an ordered bundle of intents executed as one multi-step operation.
type Plan struct {
	ID             string   `json:"id"`
	InstallationID string   `json:"installation_id"`
	IntentIDs      []string `json:"intent_ids"`

	// PlanHash is derived over the ordered payload hashes of IntentIDs.
	PlanHash string `json:"plan_hash"`

	Status    PlanStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`

	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`

	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	ExecutedBy      string     `json:"executed_by,omitempty"`
	ExecuteIntentID string     `json:"execute_intent_id,omitempty"`
}

// Lapsed reports whether a non-terminal plan is past its expiry.
func (p *Plan) Lapsed(now time.Time) bool {
	if p.Status.IsTerminal() {
		return false
	}
	return !now.Before(p.ExpiresAt)
}
