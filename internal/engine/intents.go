package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/crypto"
	"github.com/TD-Producoes/revshare-sub005/internal/metrics"
)

// IntentEngine creates, decides and consumes intents.
type IntentEngine struct {
	store core.Store
	audit core.AuditLog
	opts  Options
}

func NewIntentEngine(store core.Store, audit core.AuditLog, opts Options) *IntentEngine {
	return &IntentEngine{
		store: store,
		audit: audit,
		opts:  opts.withDefaults(),
	}
}

type CreateIntentRequest struct {
	InstallationID string
	Payload        core.Payload

	// IdempotencyKey is optional. Without it the key is derived from kind and payload hash.
	IdempotencyKey string
}

type CreateIntentResult struct {
	Intent *core.Intent

	// Token is the single-use bearer token for the guarded action.
	// It is only returned when the intent was created by this call.
	Token string

	// Replayed is set when an existing intent was returned.
	Replayed bool
}

// DeriveIdempotencyKey is the key used when the caller does not supply one.
func DeriveIdempotencyKey(kind core.ActionKind, payloadHash string) string {
	return crypto.HashToken(string(kind) + ":" + payloadHash)
}

// CreateIntent returns the live intent holding the idempotency slot, or creates
// a new one. New intents are APPROVED right away if the installation policy
// does not require a human for this kind.
func (e *IntentEngine) CreateIntent(ctx context.Context, req CreateIntentRequest) (*CreateIntentResult, error) {
	logger := log.Ctx(ctx).With().Str("installation_id", req.InstallationID).Logger()

	if req.Payload == nil {
		return nil, rejected("create", core.NewError(core.KindInvalidRequest, "payload is required"))
	}
	kind := req.Payload.Kind()
	if err := req.Payload.Validate(); err != nil {
		return nil, rejected("create", core.NewError(core.KindInvalidRequest, "invalid %s payload: %v", kind, err))
	}

	inst, err := e.store.GetInstallation(ctx, req.InstallationID)
	if err != nil {
		return nil, rejected("create", err)
	}

	payloadHash, err := crypto.HashPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("hashing payload: %w", err)
	}

	fail := func(err error) (*CreateIntentResult, error) {
		record(ctx, e.audit, core.AuditRecord{
			SubjectType: core.SubjectInstallation,
			SubjectID:   inst.ID,
			Event:       core.EventIntentRejected,
			ActorType:   core.ActorAgent,
			ActorID:     inst.ID,
			PayloadHash: payloadHash,
			FailureKind: core.KindOf(err),
			Metadata: map[string]string{
				"operation":   "create",
				"action_kind": string(kind),
			},
		})
		logger.Info().Err(err).Str("action_kind", string(kind)).Msg("intent rejected")
		return nil, rejected("create", err)
	}

	if !inst.IsActive() {
		return fail(core.NewError(core.KindInstallationRevoked, "installation '%s' is revoked", inst.ID))
	}

	key := req.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(kind, payloadHash)
	}

	now := e.opts.Clock()
	existing, err := e.store.FindIntentByIdempotencyKey(ctx, inst.ID, key)
	switch {
	case err == nil && now.Before(existing.ExpiresAt):
		return e.replay(ctx, existing, payloadHash), nil
	case err != nil && !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("looking up idempotency key: %w", err)
	}

	if !inst.HasScope(kind.Scope()) {
		return fail(core.NewError(core.KindScopeDenied, "installation lacks scope '%s'", kind.Scope()))
	}
	if !inst.Policy.AllowsCategory(req.Payload.Category()) {
		return fail(core.NewError(core.KindCategoryDenied, "category '%s' is not allowed", req.Payload.Category()))
	}
	if err := e.opts.Guardrails.Check(inst, req.Payload); err != nil {
		if core.KindOf(err) == "" {
			return nil, err
		}
		return fail(err)
	}

	if kind.Class() == core.ClassApply && inst.Policy.DailyApplyLimit > 0 {
		ok, err := e.store.IncrementDailyCounter(ctx, inst.ID, utcDay(now), inst.Policy.DailyApplyLimit)
		if err != nil {
			return nil, fmt.Errorf("incrementing daily apply counter: %w", err)
		}
		if !ok {
			return fail(core.NewError(core.KindRateLimited,
				"daily apply limit of %d reached", inst.Policy.DailyApplyLimit))
		}
	}

	canonical, err := crypto.CanonicalPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing payload: %w", err)
	}
	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}

	intent := &core.Intent{
		ID:             uuid.NewString(),
		InstallationID: inst.ID,
		ActionKind:     kind,
		Category:       req.Payload.Category(),
		PayloadHash:    payloadHash,
		Payload:        canonical,
		Status:         core.IntentPending,
		IdempotencyKey: key,
		TokenHash:      crypto.HashToken(token),
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.opts.IntentTTL),
	}
	if !inst.Policy.RequiresApproval(kind) {
		intent.Status = core.IntentApproved
		intent.DecidedAt = &now
		intent.DecidedBy = "policy"
	}

	stored, created, err := e.store.CreateIntent(ctx, intent, now)
	if err != nil {
		return nil, fmt.Errorf("storing intent: %w", err)
	}
	if !created {
		// lost the race against a concurrent request for the same slot
		return e.replay(ctx, stored, payloadHash), nil
	}

	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectIntent,
		SubjectID:   stored.ID,
		Event:       core.EventIntentCreated,
		ActorType:   core.ActorAgent,
		ActorID:     inst.ID,
		PayloadHash: payloadHash,
		Metadata: map[string]string{
			"action_kind": string(kind),
			"status":      string(stored.Status),
		},
	})
	metrics.IntentsCreated.WithLabelValues(string(kind), string(stored.Status)).Inc()

	logger.Info().
		Str("intent_id", stored.ID).
		Str("action_kind", string(kind)).
		Str("status", string(stored.Status)).
		Msg("intent created")

	return &CreateIntentResult{Intent: stored, Token: token}, nil
}

func (e *IntentEngine) replay(ctx context.Context, existing *core.Intent, requestHash string) *CreateIntentResult {
	meta := map[string]string{"action_kind": string(existing.ActionKind)}
	if requestHash != existing.PayloadHash {
		// a caller-supplied key reused for a different payload; the stored intent stays bound to its own
		meta["request_payload_hash"] = requestHash
	}
	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectIntent,
		SubjectID:   existing.ID,
		Event:       core.EventIntentReplayed,
		ActorType:   core.ActorAgent,
		ActorID:     existing.InstallationID,
		PayloadHash: existing.PayloadHash,
		Metadata:    meta,
	})
	metrics.IntentsReplayed.WithLabelValues(string(existing.ActionKind)).Inc()
	log.Ctx(ctx).Debug().Str("intent_id", existing.ID).Msg("idempotent replay")
	return &CreateIntentResult{Intent: existing, Replayed: true}
}

// ApproveIntent moves a PENDING intent to APPROVED. userID must own the installation.
func (e *IntentEngine) ApproveIntent(ctx context.Context, intentID, userID string) (*core.Intent, error) {
	return e.decide(ctx, intentID, userID, core.IntentApproved)
}

// DenyIntent moves a PENDING intent to DENIED. userID must own the installation.
func (e *IntentEngine) DenyIntent(ctx context.Context, intentID, userID string) (*core.Intent, error) {
	return e.decide(ctx, intentID, userID, core.IntentDenied)
}

func (e *IntentEngine) decide(ctx context.Context, intentID, userID string, target core.IntentStatus) (*core.Intent, error) {
	op := "approve"
	event := core.EventIntentApproved
	if target == core.IntentDenied {
		op = "deny"
		event = core.EventIntentDenied
	}

	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, rejected(op, err)
	}
	inst, err := ownedBy(ctx, e.store, intent.InstallationID, userID)
	if err != nil {
		return nil, rejected(op, err)
	}
	if target == core.IntentApproved && !inst.IsActive() {
		return nil, rejected(op, core.NewError(core.KindInstallationRevoked, "installation '%s' is revoked", inst.ID))
	}

	now := e.opts.Clock()
	if intent.Lapsed(now) {
		e.expire(ctx, intent, Human(userID))
		return nil, rejected(op, core.NewError(core.KindExpired, "intent '%s' expired", intent.ID))
	}
	if intent.Status != core.IntentPending {
		return nil, rejected(op, invalidTransition(intent.Status, target))
	}

	updated, err := e.store.CompareAndSwapIntent(ctx, intent.ID, core.IntentPending, func(i *core.Intent) {
		i.Status = target
		i.DecidedAt = &now
		i.DecidedBy = userID
	})
	if err != nil {
		if isConflict(err) {
			return nil, rejected(op, invalidTransition(updated.Status, target))
		}
		return nil, err
	}

	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectIntent,
		SubjectID:   updated.ID,
		Event:       event,
		ActorType:   core.ActorHuman,
		ActorID:     userID,
		PayloadHash: updated.PayloadHash,
	})
	metrics.Decisions.WithLabelValues(string(core.SubjectIntent), string(target)).Inc()
	log.Ctx(ctx).Info().
		Str("intent_id", updated.ID).
		Str("user_id", userID).
		Str("status", string(target)).
		Msg("intent decided")
	return updated, nil
}

func invalidTransition(from, to core.IntentStatus) error {
	return core.NewError(core.KindInvalidTransition, "cannot move intent from %s to %s", from, to)
}

// ConsumeIntent spends an APPROVED intent whose payload hash equals requestPayloadHash.
// Of any number of concurrent calls for one intent exactly one succeeds, the
// others fail with NotApproved.
func (e *IntentEngine) ConsumeIntent(ctx context.Context, intentID, requestPayloadHash string, actor Actor) (*core.Intent, error) {
	intent, err := e.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, rejected("consume", err)
	}

	fail := func(err error) (*core.Intent, error) {
		record(ctx, e.audit, core.AuditRecord{
			SubjectType: core.SubjectIntent,
			SubjectID:   intent.ID,
			Event:       core.EventIntentRejected,
			ActorType:   actor.Type,
			ActorID:     actor.ID,
			PayloadHash: requestPayloadHash,
			FailureKind: core.KindOf(err),
			Metadata: map[string]string{
				"operation": "consume",
				"status":    string(intent.Status),
			},
		})
		log.Ctx(ctx).Warn().Err(err).Str("intent_id", intent.ID).Msg("intent consumption rejected")
		return nil, rejected("consume", err)
	}

	inst, err := e.store.GetInstallation(ctx, intent.InstallationID)
	if err != nil {
		return nil, rejected("consume", err)
	}
	if !inst.IsActive() {
		return fail(core.NewError(core.KindInstallationRevoked, "installation '%s' is revoked", inst.ID))
	}

	now := e.opts.Clock()
	if intent.Lapsed(now) {
		e.expire(ctx, intent, actor)
		return fail(core.NewError(core.KindExpired, "intent '%s' expired", intent.ID))
	}
	switch intent.Status {
	case core.IntentApproved:
	case core.IntentExpired:
		return fail(core.NewError(core.KindExpired, "intent '%s' expired", intent.ID))
	default:
		return fail(core.NewError(core.KindNotApproved, "intent '%s' is %s", intent.ID, intent.Status))
	}

	if requestPayloadHash != intent.PayloadHash {
		return fail(core.NewError(core.KindPayloadMismatch, "request payload does not match intent '%s'", intent.ID))
	}

	consumed, err := e.store.CompareAndSwapIntent(ctx, intent.ID, core.IntentApproved, func(i *core.Intent) {
		i.Status = core.IntentConsumed
		i.ConsumedAt = &now
	})
	if err != nil {
		if isConflict(err) {
			intent = consumed
			return fail(core.NewError(core.KindNotApproved, "intent '%s' is %s", consumed.ID, consumed.Status))
		}
		return nil, err
	}

	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectIntent,
		SubjectID:   consumed.ID,
		Event:       core.EventIntentConsumed,
		ActorType:   actor.Type,
		ActorID:     actor.ID,
		PayloadHash: consumed.PayloadHash,
		Metadata:    map[string]string{"action_kind": string(consumed.ActionKind)},
	})
	log.Ctx(ctx).Info().Str("intent_id", consumed.ID).Msg("intent consumed")
	return consumed, nil
}

// expire flips a lapsed intent to EXPIRED. Losing the swap is fine, someone
// else already moved it on.
func (e *IntentEngine) expire(ctx context.Context, intent *core.Intent, actor Actor) bool {
	_, err := e.store.CompareAndSwapIntent(ctx, intent.ID, intent.Status, func(i *core.Intent) {
		i.Status = core.IntentExpired
	})
	if err != nil {
		if !isConflict(err) {
			log.Ctx(ctx).Error().Err(err).Str("intent_id", intent.ID).Msg("failed to expire intent")
		}
		return false
	}
	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectIntent,
		SubjectID:   intent.ID,
		Event:       core.EventIntentExpired,
		ActorType:   actor.Type,
		ActorID:     actor.ID,
		PayloadHash: intent.PayloadHash,
		Metadata:    map[string]string{"previous_status": string(intent.Status)},
	})
	metrics.Expired.WithLabelValues(string(core.SubjectIntent)).Inc()
	return true
}

// GetIntent returns an intent with lazy expiry applied to its status.
func (e *IntentEngine) GetIntent(ctx context.Context, id string) (*core.Intent, error) {
	intent, err := e.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	intent.Status = intent.EffectiveStatus(e.opts.Clock())
	return intent, nil
}

// GetInstallationIntent is GetIntent restricted to one installation.
func (e *IntentEngine) GetInstallationIntent(ctx context.Context, installationID, id string) (*core.Intent, error) {
	intent, err := e.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.InstallationID != installationID {
		return nil, core.NewError(core.KindNotFound, "intent '%s' not found", id)
	}
	return intent, nil
}

// GetIntentByToken resolves the intent a raw bearer token was issued for.
func (e *IntentEngine) GetIntentByToken(ctx context.Context, token string) (*core.Intent, error) {
	return e.store.FindIntentByTokenHash(ctx, crypto.HashToken(token))
}

// ListIntents lists intents with lazy expiry applied. A status filter matches
// the effective status.
func (e *IntentEngine) ListIntents(ctx context.Context, filter core.IntentFilter) ([]core.Intent, error) {
	statuses, limit := filter.Statuses, filter.Limit
	if len(statuses) > 0 {
		// stored PENDING/APPROVED rows may effectively be EXPIRED
		filter.Statuses = nil
		filter.Limit = 0
	}

	list, err := e.store.ListIntents(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := e.opts.Clock()
	out := make([]core.Intent, 0, len(list))
	for _, intent := range list {
		intent.Status = intent.EffectiveStatus(now)
		if len(statuses) > 0 && !slices.Contains(statuses, intent.Status) {
			continue
		}
		out = append(out, intent)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpireStale flips every lapsed PENDING or APPROVED intent to EXPIRED.
func (e *IntentEngine) ExpireStale(ctx context.Context) (int, error) {
	stale, err := e.store.ListIntents(ctx, core.IntentFilter{
		Statuses:      []core.IntentStatus{core.IntentPending, core.IntentApproved},
		ExpiresBefore: e.opts.Clock(),
	})
	if err != nil {
		return 0, fmt.Errorf("listing stale intents: %w", err)
	}
	n := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if e.expire(ctx, &stale[i], System) {
			n++
		}
	}
	return n, nil
}
