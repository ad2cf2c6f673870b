package api

import (
	"encoding/json"
	"time"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the request body.
const IdempotencyKeyHeader = "Idempotency-Key"

type RegisterAgentRequest struct {
	Name            string   `json:"name"`
	RequestedScopes []string `json:"requested_scopes"`
}

type RegisterAgentResponse struct {
	ClaimID        string    `json:"claim_id"`
	InstallationID string    `json:"installation_id"`
	ClaimURL       string    `json:"claim_url"`
	ExpiresAt      time.Time `json:"expires_at"`

	// Credential is shown exactly once. It starts working when a human approves the claim.
	Credential string `json:"credential"`
}

type ClaimStatusResponse struct {
	ID             string           `json:"id"`
	Status         core.ClaimStatus `json:"status"`
	ExpiresAt      time.Time        `json:"expires_at"`
	InstallationID string           `json:"installation_id,omitempty"`
}

type CreateIntentRequest struct {
	Kind           core.ActionKind `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type IntentResponse struct {
	Intent *core.Intent `json:"intent"`

	// Token is only set in the response that created the intent.
	Token    string `json:"token,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

type CreatePlanRequest struct {
	IntentIDs []string `json:"intent_ids"`
}

type ActionResponse struct {
	IntentID string          `json:"intent_id"`
	Kind     core.ActionKind `json:"kind"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type ApproveClaimRequest struct {
	// Policy overrides the server default for the new installation.
	Policy *core.Policy `json:"policy,omitempty"`
}

type ExecutePlanRequest struct {
	ExecuteIntentID string `json:"execute_intent_id"`
}

type RevokeRequest struct {
	Reason string `json:"reason"`
}

type RotateSecretResponse struct {
	InstallationID string `json:"installation_id"`
	Credential     string `json:"credential"`
}

type TriggerTaskResponse struct {
	Status string `json:"status"`
}
