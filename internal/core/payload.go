package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ActionKind names an action an agent can propose.
type ActionKind string

const (
	ActionPublishProject ActionKind = "publish_project"
	ActionApplyToProject ActionKind = "apply_to_project"
	ActionSendInvitation ActionKind = "send_invitation"
	ActionUpdatePayout   ActionKind = "update_payout"
	ActionExecutePlan    ActionKind = "execute_plan"
)

// ActionClass groups kinds that share an approval policy flag.
type ActionClass string

const (
	ClassPublish ActionClass = "publish"
	ClassApply   ActionClass = "apply"
	ClassPayment ActionClass = "payment"
)

// ActionKinds lists every supported kind.
var ActionKinds = []ActionKind{
	ActionPublishProject,
	ActionApplyToProject,
	ActionSendInvitation,
	ActionUpdatePayout,
	ActionExecutePlan,
}

func (k ActionKind) IsValid() bool {
	switch k {
	case ActionPublishProject, ActionApplyToProject, ActionSendInvitation, ActionUpdatePayout, ActionExecutePlan:
		return true
	default:
		return false
	}
}

func (k ActionKind) Class() ActionClass {
	switch k {
	case ActionPublishProject, ActionExecutePlan:
		return ClassPublish
	case ActionApplyToProject, ActionSendInvitation:
		return ClassApply
	default:
		return ClassPayment
	}
}

// Scope is the installation scope required to request this kind.
func (k ActionKind) Scope() string {
	switch k {
	case ActionPublishProject:
		return "projects:publish"
	case ActionApplyToProject:
		return "projects:apply"
	case ActionSendInvitation:
		return "invitations:send"
	case ActionUpdatePayout:
		return "payouts:write"
	case ActionExecutePlan:
		return "plans:execute"
	default:
		return ""
	}
}

// Payload is the typed body of an intent. Each ActionKind has exactly one variant.
type Payload interface {
	Kind() ActionKind

	// Category is the marketplace category the action touches, empty if none.
	Category() string

	Validate() error
}

// PublishProjectPayload publishes a founder's project to the marketplace.
type PublishProjectPayload struct {
	ProjectID   string            `json:"project_id"`
	Title       string            `json:"title"`
	ProjectArea string            `json:"category"`
	RevShareBps int               `json:"rev_share_bps"`
	Tags        map[string]string `json:"tags,omitempty"`
}

func (p *PublishProjectPayload) Kind() ActionKind { return ActionPublishProject }
func (p *PublishProjectPayload) Category() string { return p.ProjectArea }

func (p *PublishProjectPayload) Validate() error {
	if p.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if p.Title == "" {
		return errors.New("title is required")
	}
	if p.RevShareBps <= 0 || p.RevShareBps > 10000 {
		return fmt.Errorf("rev_share_bps must be within (0, 10000], got %d", p.RevShareBps)
	}
	return nil
}

// ApplyToProjectPayload applies a marketer to a founder's project.
type ApplyToProjectPayload struct {
	ProjectID     string `json:"project_id"`
	ProjectArea   string `json:"category"`
	Message       string `json:"message,omitempty"`
	CommissionBps int    `json:"commission_bps"`
}

func (p *ApplyToProjectPayload) Kind() ActionKind { return ActionApplyToProject }
func (p *ApplyToProjectPayload) Category() string { return p.ProjectArea }

func (p *ApplyToProjectPayload) Validate() error {
	if p.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if p.CommissionBps < 0 || p.CommissionBps > 10000 {
		return fmt.Errorf("commission_bps must be within [0, 10000], got %d", p.CommissionBps)
	}
	return nil
}

// SendInvitationPayload invites a marketer to promote a project under a contract.
type SendInvitationPayload struct {
	ProjectID     string `json:"project_id"`
	ProjectArea   string `json:"category"`
	MarketerID    string `json:"marketer_id"`
	CommissionBps int    `json:"commission_bps"`
	Message       string `json:"message,omitempty"`
}

func (p *SendInvitationPayload) Kind() ActionKind { return ActionSendInvitation }
func (p *SendInvitationPayload) Category() string { return p.ProjectArea }

func (p *SendInvitationPayload) Validate() error {
	if p.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if p.MarketerID == "" {
		return errors.New("marketer_id is required")
	}
	if p.CommissionBps <= 0 || p.CommissionBps > 10000 {
		return fmt.Errorf("commission_bps must be within (0, 10000], got %d", p.CommissionBps)
	}
	return nil
}

// UpdatePayoutPayload changes where and how an account receives Stripe Connect payouts.
type UpdatePayoutPayload struct {
	StripeAccountID    string `json:"stripe_account_id"`
	Currency           string `json:"currency"`
	Schedule           string `json:"schedule"`
	MinimumPayoutCents int64  `json:"minimum_payout_cents"`
}

func (p *UpdatePayoutPayload) Kind() ActionKind { return ActionUpdatePayout }
func (p *UpdatePayoutPayload) Category() string { return "" }

func (p *UpdatePayoutPayload) Validate() error {
	if !strings.HasPrefix(p.StripeAccountID, "acct_") {
		return errors.New("stripe_account_id must be a connected account id (acct_...)")
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("currency must be an ISO 4217 code, got %q", p.Currency)
	}
	switch p.Schedule {
	case "daily", "weekly", "monthly", "manual":
	default:
		return fmt.Errorf("unknown payout schedule %q", p.Schedule)
	}
	if p.MinimumPayoutCents < 0 {
		return errors.New("minimum_payout_cents must not be negative")
	}
	return nil
}

// ExecutePlanPayload is the body of the terminal intent that finalizes a plan.
type ExecutePlanPayload struct {
	PlanID   string `json:"plan_id"`
	PlanHash string `json:"plan_hash"`
}

func (p *ExecutePlanPayload) Kind() ActionKind { return ActionExecutePlan }
func (p *ExecutePlanPayload) Category() string { return "" }

func (p *ExecutePlanPayload) Validate() error {
	if p.PlanID == "" || p.PlanHash == "" {
		return errors.New("plan_id and plan_hash are required")
	}
	return nil
}

// NewPayload returns an empty variant for kind.
func NewPayload(kind ActionKind) (Payload, error) {
	switch kind {
	case ActionPublishProject:
		return &PublishProjectPayload{}, nil
	case ActionApplyToProject:
		return &ApplyToProjectPayload{}, nil
	case ActionSendInvitation:
		return &SendInvitationPayload{}, nil
	case ActionUpdatePayout:
		return &UpdatePayoutPayload{}, nil
	case ActionExecutePlan:
		return &ExecutePlanPayload{}, nil
	default:
		return nil, NewError(KindInvalidRequest, "unknown action kind '%s'", kind)
	}
}

// DecodePayload strictly decodes raw JSON into the variant for kind and validates it.
func DecodePayload(kind ActionKind, raw []byte) (Payload, error) {
	payload, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, NewError(KindInvalidRequest, "payload is empty")
		}
		return nil, NewError(KindInvalidRequest, "decoding %s payload: %v", kind, err)
	}
	if dec.More() {
		return nil, NewError(KindInvalidRequest, "extra data after payload")
	}

	if err := payload.Validate(); err != nil {
		return nil, NewError(KindInvalidRequest, "invalid %s payload: %v", kind, err)
	}
	return payload, nil
}
