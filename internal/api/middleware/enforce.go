package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/api/presenter"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/crypto"
	"github.com/TD-Producoes/revshare-sub005/internal/engine"
	"github.com/TD-Producoes/revshare-sub005/internal/metrics"
	"github.com/TD-Producoes/revshare-sub005/internal/service"
)

// MaxActionBodyBytes caps guarded request bodies.
const MaxActionBodyBytes = 1 << 20

// IntentConsumer is the part of the intent engine the Enforcer works with.
type IntentConsumer interface {
	GetIntentByToken(ctx context.Context, token string) (*core.Intent, error)
	ConsumeIntent(ctx context.Context, intentID, requestPayloadHash string, actor engine.Actor) (*core.Intent, error)
}

// Guarded is an authorized action request.
type Guarded struct {
	Installation *core.Installation
	Intent       *core.Intent
	Payload      core.Payload

	// PayloadHash is the hash of the request body, equal to Intent.PayloadHash
	// once the intent has been consumed.
	PayloadHash string
}

// GuardedHandler runs at most once per intent, after the intent was consumed.
type GuardedHandler func(w http.ResponseWriter, r *http.Request, g *Guarded)

// Enforcer puts an intent check in front of guarded actions. The request
// carries the single-use intent token as bearer token and the exact payload
// the intent was created for as body.
type Enforcer struct {
	intents       IntentConsumer
	installations core.InstallationStore
	audit         core.AuditLog
}

func NewEnforcer(intents IntentConsumer, installations core.InstallationStore, audit core.AuditLog) *Enforcer {
	return &Enforcer{
		intents:       intents,
		installations: installations,
		audit:         audit,
	}
}

// Enforce consumes the intent behind the request and hands the decoded
// payload to next. Every refusal is answered with the classified error and
// leaves an audit entry.
func (e *Enforcer) Enforce(kind core.ActionKind, next GuardedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g, ok := e.Resolve(w, r, kind)
		if !ok {
			return
		}

		consumed, err := e.intents.ConsumeIntent(r.Context(), g.Intent.ID, g.PayloadHash, engine.Agent(g.Installation.ID))
		if err != nil {
			if core.KindOf(err) == "" {
				e.rejected(w, r, kind, g.Intent, g.PayloadHash, err)
				return
			}
			// the engine has audited the refusal
			e.count(kind, err)
			presenter.Err(w, r, err, "action refused")
			return
		}
		g.Intent = consumed

		metrics.Enforcement.WithLabelValues(string(kind), "allowed").Inc()
		next(w, r, g)
	})
}

// Resolve authenticates the intent token and binds the request body to the
// route's action kind without consuming the intent. On failure the response
// has been written and ok is false.
func (e *Enforcer) Resolve(w http.ResponseWriter, r *http.Request, kind core.ActionKind) (g *Guarded, ok bool) {
	ctx := r.Context()

	token := BearerToken(r)
	if token == "" {
		e.unauthorized(w, r, kind, nil, "missing intent token")
		return nil, false
	}

	intent, err := e.intents.GetIntentByToken(ctx, token)
	if err != nil {
		if core.KindOf(err) != core.KindNotFound {
			e.rejected(w, r, kind, nil, "", fmt.Errorf("resolving intent: %w", err))
			return nil, false
		}
		e.unauthorized(w, r, kind, nil, "unknown intent token")
		return nil, false
	}

	inst, err := e.installations.GetInstallation(ctx, intent.InstallationID)
	if err != nil {
		if core.KindOf(err) != core.KindNotFound {
			e.rejected(w, r, kind, intent, "", fmt.Errorf("resolving installation: %w", err))
			return nil, false
		}
		e.unauthorized(w, r, kind, intent, "unknown installation")
		return nil, false
	}
	if !inst.IsActive() {
		e.unauthorized(w, r, kind, intent, "installation revoked")
		return nil, false
	}

	log.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("installation_id", inst.ID).Str("intent_id", intent.ID)
	})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxActionBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = service.NewHTTPError(http.StatusRequestEntityTooLarge,
				core.NewError(core.KindInvalidRequest, "request body exceeds %d bytes", MaxActionBodyBytes))
		} else {
			err = core.NewError(core.KindInvalidRequest, "reading request body: %v", err)
		}
		e.rejected(w, r, kind, intent, "", err)
		return nil, false
	}

	if intent.ActionKind != kind {
		e.rejected(w, r, kind, intent, "", core.NewError(core.KindPayloadMismatch,
			"intent '%s' was created for %s, not %s", intent.ID, intent.ActionKind, kind))
		return nil, false
	}

	hash, payload, err := crypto.HashRawPayload(kind, body)
	if err != nil {
		e.rejected(w, r, kind, intent, "", err)
		return nil, false
	}

	return &Guarded{
		Installation: inst,
		Intent:       intent,
		Payload:      payload,
		PayloadHash:  hash,
	}, true
}

func (e *Enforcer) unauthorized(w http.ResponseWriter, r *http.Request, kind core.ActionKind, intent *core.Intent, reason string) {
	rec := core.AuditRecord{
		SubjectType: core.SubjectIntent,
		Event:       core.EventEnforcementUnauthorized,
		ActorType:   core.ActorAgent,
		FailureKind: core.KindUnauthorized,
		Metadata:    e.requestMetadata(r, kind, reason),
	}
	if intent != nil {
		rec.SubjectID = intent.ID
		rec.ActorID = intent.InstallationID
	}
	e.record(r.Context(), rec)

	err := core.NewError(core.KindUnauthorized, "%s", reason)
	e.count(kind, err)
	log.Ctx(r.Context()).Warn().Str("reason", reason).Msg("guarded request unauthorized")
	presenter.Err(w, r, err, "authentication failed")
}

// rejected audits and answers a refusal. intent is nil when the token could
// not be resolved.
func (e *Enforcer) rejected(w http.ResponseWriter, r *http.Request, kind core.ActionKind, intent *core.Intent, payloadHash string, err error) {
	rec := core.AuditRecord{
		SubjectType: core.SubjectIntent,
		Event:       core.EventEnforcementRejected,
		ActorType:   core.ActorAgent,
		PayloadHash: payloadHash,
		FailureKind: failureKind(err),
		Metadata:    e.requestMetadata(r, kind, err.Error()),
	}
	if intent != nil {
		rec.SubjectID = intent.ID
		rec.ActorID = intent.InstallationID
	}
	e.record(r.Context(), rec)

	e.count(kind, err)
	log.Ctx(r.Context()).Warn().Err(err).Msg("guarded request rejected")
	presenter.Err(w, r, err, "action refused")
}

func (e *Enforcer) requestMetadata(r *http.Request, kind core.ActionKind, reason string) map[string]string {
	return map[string]string{
		"action_kind":    string(kind),
		"reason":         reason,
		"remote":         remoteIP(r),
		"correlation_id": CorrelationCtx(r.Context()),
	}
}

func (e *Enforcer) record(ctx context.Context, rec core.AuditRecord) {
	if _, err := e.audit.Record(ctx, rec); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("event", string(rec.Event)).Msg("failed to write audit entry")
	}
}

func (e *Enforcer) count(kind core.ActionKind, err error) {
	metrics.Enforcement.WithLabelValues(string(kind), string(failureKind(err))).Inc()
}

func failureKind(err error) core.ErrorKind {
	if kind := core.KindOf(err); kind != "" {
		return kind
	}
	return core.ErrorKind(fmt.Sprintf("status_%d", service.StatusCode(err)))
}
