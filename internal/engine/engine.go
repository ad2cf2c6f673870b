// Package engine implements the intent and plan state machines.
//
// Every status change goes through the store's compare-and-swap primitive,
// so concurrent callers racing on one record resolve to exactly one winner.
// Expiry is applied lazily whenever a record is read for a decision.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/metrics"
)

const (
	DefaultIntentTTL = 15 * time.Minute
	DefaultPlanTTL   = time.Hour
)

// Options configure the engines. Zero values use the defaults.
type Options struct {
	IntentTTL  time.Duration
	PlanTTL    time.Duration
	Guardrails *Guardrails

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IntentTTL <= 0 {
		o.IntentTTL = DefaultIntentTTL
	}
	if o.PlanTTL <= 0 {
		o.PlanTTL = DefaultPlanTTL
	}
	if o.Guardrails == nil {
		o.Guardrails = NewGuardrails(nil)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Actor identifies who triggered an operation, for the audit trail.
type Actor struct {
	Type core.ActorType
	ID   string
}

func Human(userID string) Actor {
	return Actor{Type: core.ActorHuman, ID: userID}
}

func Agent(installationID string) Actor {
	return Actor{Type: core.ActorAgent, ID: installationID}
}

var System = Actor{Type: core.ActorSystem, ID: "janitor"}

// record appends an audit entry. The chain logs and counts failed appends,
// the operation that caused the entry is not rolled back.
func record(ctx context.Context, al core.AuditLog, rec core.AuditRecord) {
	if _, err := al.Record(ctx, rec); err != nil {
		log.Ctx(ctx).Error().
			Err(err).
			Str("subject_type", string(rec.SubjectType)).
			Str("subject_id", rec.SubjectID).
			Str("event", string(rec.Event)).
			Msg("failed to write audit entry")
	}
}

// rejected counts a failed operation and returns err unchanged.
func rejected(operation string, err error) error {
	reason := string(core.KindOf(err))
	if reason == "" {
		reason = "internal"
	}
	metrics.IntentsRejected.WithLabelValues(operation, reason).Inc()
	return err
}

// ownedBy loads an installation and hides it from everyone but its owner.
func ownedBy(ctx context.Context, store core.InstallationStore, installationID, userID string) (*core.Installation, error) {
	inst, err := store.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, err
	}
	if userID != "" && inst.UserID != userID {
		return nil, core.NewError(core.KindNotFound, "installation '%s' not found", installationID)
	}
	return inst, nil
}

func isConflict(err error) bool {
	return errors.Is(err, core.ErrConflict)
}

// utcDay is the key of the daily apply window.
func utcDay(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
