package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/crypto"
	"github.com/TD-Producoes/revshare-sub005/internal/metrics"
)

// PlanEngine bundles intents into plans and executes them.
//
// Plans are not transactional across their members. A member consumed before
// a failed execution stays consumed, only the final execute step is atomic.
type PlanEngine struct {
	store   core.Store
	audit   core.AuditLog
	intents *IntentEngine
	opts    Options
}

func NewPlanEngine(store core.Store, audit core.AuditLog, intents *IntentEngine, opts Options) *PlanEngine {
	return &PlanEngine{
		store:   store,
		audit:   audit,
		intents: intents,
		opts:    opts.withDefaults(),
	}
}

// CreatePlan bundles intentIDs, in this order, into a new plan.
// The plan is approved right away if every member already is and the
// installation does not require approval for publishing.
func (e *PlanEngine) CreatePlan(ctx context.Context, installationID string, intentIDs []string) (*core.Plan, error) {
	inst, err := e.store.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, rejected("plan_create", err)
	}

	fail := func(err error) (*core.Plan, error) {
		record(ctx, e.audit, core.AuditRecord{
			SubjectType: core.SubjectInstallation,
			SubjectID:   inst.ID,
			Event:       core.EventPlanRejected,
			ActorType:   core.ActorAgent,
			ActorID:     inst.ID,
			FailureKind: core.KindOf(err),
			Metadata:    map[string]string{"operation": "create"},
		})
		return nil, rejected("plan_create", err)
	}

	if !inst.IsActive() {
		return fail(core.NewError(core.KindInstallationRevoked, "installation '%s' is revoked", inst.ID))
	}
	if len(intentIDs) == 0 {
		return nil, rejected("plan_create", core.NewError(core.KindInvalidRequest, "a plan needs at least one intent"))
	}

	now := e.opts.Clock()
	hashes := make([]string, 0, len(intentIDs))
	allApproved := true
	seen := make(map[string]struct{}, len(intentIDs))

	for _, id := range intentIDs {
		if _, dup := seen[id]; dup {
			return fail(core.NewError(core.KindInvalidPlanMember, "intent '%s' is listed twice", id))
		}
		seen[id] = struct{}{}

		intent, err := e.store.GetIntent(ctx, id)
		if err != nil {
			if core.KindOf(err) == core.KindNotFound {
				return fail(core.NewError(core.KindInvalidPlanMember, "intent '%s' not found", id))
			}
			return nil, err
		}
		if intent.InstallationID != inst.ID {
			return fail(core.NewError(core.KindInvalidPlanMember, "intent '%s' belongs to another installation", id))
		}
		if intent.ActionKind == core.ActionExecutePlan {
			return fail(core.NewError(core.KindInvalidPlanMember, "intent '%s' is an execute intent", id))
		}
		switch status := intent.EffectiveStatus(now); status {
		case core.IntentConsumed, core.IntentDenied, core.IntentExpired:
			return fail(core.NewError(core.KindInvalidPlanMember, "intent '%s' is %s", id, status))
		case core.IntentPending:
			allApproved = false
		}
		hashes = append(hashes, intent.PayloadHash)
	}

	planHash, err := crypto.HashPlan(hashes)
	if err != nil {
		return nil, fmt.Errorf("hashing plan: %w", err)
	}

	plan := &core.Plan{
		ID:             uuid.NewString(),
		InstallationID: inst.ID,
		IntentIDs:      slices.Clone(intentIDs),
		PlanHash:       planHash,
		Status:         core.PlanPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.opts.PlanTTL),
	}
	if allApproved && !inst.Policy.RequireApprovalForPublish {
		plan.Status = core.PlanApproved
		plan.DecidedAt = &now
		plan.DecidedBy = "policy"
	}
	if err := e.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("storing plan: %w", err)
	}

	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectPlan,
		SubjectID:   plan.ID,
		Event:       core.EventPlanCreated,
		ActorType:   core.ActorAgent,
		ActorID:     inst.ID,
		PayloadHash: plan.PlanHash,
		Metadata: map[string]string{
			"members": strconv.Itoa(len(plan.IntentIDs)),
			"status":  string(plan.Status),
		},
	})
	log.Ctx(ctx).Info().
		Str("plan_id", plan.ID).
		Str("installation_id", inst.ID).
		Int("members", len(plan.IntentIDs)).
		Msg("plan created")
	return plan, nil
}

// ApprovePlan approves a PENDING plan and every still pending member.
func (e *PlanEngine) ApprovePlan(ctx context.Context, planID, userID string) (*core.Plan, error) {
	return e.decide(ctx, planID, userID, core.PlanApproved)
}

// DenyPlan denies a PENDING plan and every still pending member.
func (e *PlanEngine) DenyPlan(ctx context.Context, planID, userID string) (*core.Plan, error) {
	return e.decide(ctx, planID, userID, core.PlanDenied)
}

func (e *PlanEngine) decide(ctx context.Context, planID, userID string, target core.PlanStatus) (*core.Plan, error) {
	op := "plan_approve"
	event := core.EventPlanApproved
	if target == core.PlanDenied {
		op = "plan_deny"
		event = core.EventPlanDenied
	}

	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, rejected(op, err)
	}
	inst, err := ownedBy(ctx, e.store, plan.InstallationID, userID)
	if err != nil {
		return nil, rejected(op, err)
	}
	if target == core.PlanApproved && !inst.IsActive() {
		return nil, rejected(op, core.NewError(core.KindInstallationRevoked, "installation '%s' is revoked", inst.ID))
	}

	now := e.opts.Clock()
	if plan.Lapsed(now) {
		e.expire(ctx, plan, Human(userID))
		return nil, rejected(op, core.NewError(core.KindExpired, "plan '%s' expired", plan.ID))
	}
	if plan.Status != core.PlanPending {
		return nil, rejected(op, core.NewError(core.KindInvalidTransition,
			"cannot move plan from %s to %s", plan.Status, target))
	}

	updated, err := e.store.CompareAndSwapPlan(ctx, plan.ID, core.PlanPending, func(p *core.Plan) {
		p.Status = target
		p.DecidedAt = &now
		p.DecidedBy = userID
	})
	if err != nil {
		if isConflict(err) {
			return nil, rejected(op, core.NewError(core.KindInvalidTransition,
				"cannot move plan from %s to %s", updated.Status, target))
		}
		return nil, err
	}

	for _, id := range updated.IntentIDs {
		member, err := e.store.GetIntent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading plan member '%s': %w", id, err)
		}
		if member.Status != core.IntentPending || member.Lapsed(now) {
			continue
		}
		if target == core.PlanApproved {
			_, err = e.intents.ApproveIntent(ctx, id, userID)
		} else {
			_, err = e.intents.DenyIntent(ctx, id, userID)
		}
		// members decided concurrently keep their own decision
		if err != nil && core.KindOf(err) != core.KindInvalidTransition && core.KindOf(err) != core.KindExpired {
			return nil, fmt.Errorf("cascading decision to '%s': %w", id, err)
		}
	}

	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectPlan,
		SubjectID:   updated.ID,
		Event:       event,
		ActorType:   core.ActorHuman,
		ActorID:     userID,
		PayloadHash: updated.PlanHash,
	})
	metrics.Decisions.WithLabelValues(string(core.SubjectPlan), string(target)).Inc()
	return updated, nil
}

type ExecutePlanRequest struct {
	PlanID          string
	ExecuteIntentID string

	// RequestPayloadHash, if set, is the hash of the execute payload the
	// caller presented and must match the plan.
	RequestPayloadHash string

	Actor Actor
}

// ExecutionPayload is the execute payload that finalizes plan.
func ExecutionPayload(plan *core.Plan) *core.ExecutePlanPayload {
	return &core.ExecutePlanPayload{PlanID: plan.ID, PlanHash: plan.PlanHash}
}

// ExecutePlan marks an APPROVED plan EXECUTED once every member is APPROVED or
// CONSUMED and the execute intent has been consumed.
func (e *PlanEngine) ExecutePlan(ctx context.Context, req ExecutePlanRequest) (*core.Plan, error) {
	// refusals are audited against the requested id, the plan may not exist
	var planHash string
	fail := func(err error) (*core.Plan, error) {
		record(ctx, e.audit, core.AuditRecord{
			SubjectType: core.SubjectPlan,
			SubjectID:   req.PlanID,
			Event:       core.EventPlanRejected,
			ActorType:   req.Actor.Type,
			ActorID:     req.Actor.ID,
			PayloadHash: planHash,
			FailureKind: core.KindOf(err),
			Metadata: map[string]string{
				"operation":         "execute",
				"execute_intent_id": req.ExecuteIntentID,
			},
		})
		log.Ctx(ctx).Warn().Err(err).Str("plan_id", req.PlanID).Msg("plan execution rejected")
		return nil, rejected("plan_execute", err)
	}

	plan, err := e.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return fail(err)
	}
	if req.Actor.Type == core.ActorAgent && plan.InstallationID != req.Actor.ID {
		return fail(core.NewError(core.KindNotFound, "plan '%s' not found", plan.ID))
	}
	if req.Actor.Type == core.ActorHuman {
		if _, err := ownedBy(ctx, e.store, plan.InstallationID, req.Actor.ID); err != nil {
			return fail(err)
		}
	}
	planHash = plan.PlanHash

	now := e.opts.Clock()
	if plan.Lapsed(now) {
		e.expire(ctx, plan, req.Actor)
		return fail(core.NewError(core.KindExpired, "plan '%s' expired", plan.ID))
	}
	switch plan.Status {
	case core.PlanApproved:
	case core.PlanPending:
		return fail(core.NewError(core.KindNotApproved, "plan '%s' is %s", plan.ID, plan.Status))
	case core.PlanExpired:
		return fail(core.NewError(core.KindExpired, "plan '%s' expired", plan.ID))
	default:
		return fail(core.NewError(core.KindInvalidTransition, "plan '%s' is %s", plan.ID, plan.Status))
	}

	hashes := make([]string, 0, len(plan.IntentIDs))
	for _, id := range plan.IntentIDs {
		member, err := e.store.GetIntent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading plan member '%s': %w", id, err)
		}
		if member.Lapsed(now) || member.Status == core.IntentExpired {
			if member.Lapsed(now) {
				e.intents.expire(ctx, member, req.Actor)
			}
			e.expire(ctx, plan, req.Actor)
			return fail(core.NewError(core.KindPlanMemberExpired, "plan member '%s' expired", id))
		}
		if member.Status != core.IntentApproved && member.Status != core.IntentConsumed {
			return fail(core.NewError(core.KindNotApproved, "plan member '%s' is %s", id, member.Status))
		}
		hashes = append(hashes, member.PayloadHash)
	}

	planHash, err = crypto.HashPlan(hashes)
	if err != nil {
		return nil, fmt.Errorf("hashing plan: %w", err)
	}
	if planHash != plan.PlanHash {
		return fail(core.NewError(core.KindPayloadMismatch, "plan members no longer match plan hash"))
	}

	execIntent, err := e.store.GetIntent(ctx, req.ExecuteIntentID)
	if err != nil {
		if core.KindOf(err) == core.KindNotFound {
			return fail(core.NewError(core.KindInvalidPlanMember, "execute intent '%s' not found", req.ExecuteIntentID))
		}
		return nil, err
	}
	if execIntent.InstallationID != plan.InstallationID || execIntent.ActionKind != core.ActionExecutePlan {
		return fail(core.NewError(core.KindInvalidPlanMember,
			"intent '%s' is not an execute intent of this installation", execIntent.ID))
	}

	expected, err := crypto.HashPayload(ExecutionPayload(plan))
	if err != nil {
		return nil, fmt.Errorf("hashing execute payload: %w", err)
	}
	if req.RequestPayloadHash != "" && req.RequestPayloadHash != expected {
		return fail(core.NewError(core.KindPayloadMismatch, "execute payload does not match plan '%s'", plan.ID))
	}

	// the engine records its own rejection of the execute intent
	if _, err := e.intents.ConsumeIntent(ctx, execIntent.ID, expected, req.Actor); err != nil {
		return nil, rejected("plan_execute", err)
	}

	executed, err := e.store.CompareAndSwapPlan(ctx, plan.ID, core.PlanApproved, func(p *core.Plan) {
		p.Status = core.PlanExecuted
		p.ExecutedAt = &now
		p.ExecutedBy = req.Actor.ID
		p.ExecuteIntentID = execIntent.ID
	})
	if err != nil {
		if isConflict(err) {
			return fail(core.NewError(core.KindInvalidTransition, "plan '%s' is %s", executed.ID, executed.Status))
		}
		return nil, err
	}

	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectPlan,
		SubjectID:   executed.ID,
		Event:       core.EventPlanExecuted,
		ActorType:   req.Actor.Type,
		ActorID:     req.Actor.ID,
		PayloadHash: executed.PlanHash,
		Metadata:    map[string]string{"execute_intent_id": execIntent.ID},
	})
	metrics.PlansExecuted.Inc()
	log.Ctx(ctx).Info().Str("plan_id", executed.ID).Msg("plan executed")
	return executed, nil
}

func (e *PlanEngine) expire(ctx context.Context, plan *core.Plan, actor Actor) bool {
	_, err := e.store.CompareAndSwapPlan(ctx, plan.ID, plan.Status, func(p *core.Plan) {
		p.Status = core.PlanExpired
	})
	if err != nil {
		if !isConflict(err) {
			log.Ctx(ctx).Error().Err(err).Str("plan_id", plan.ID).Msg("failed to expire plan")
		}
		return false
	}
	record(ctx, e.audit, core.AuditRecord{
		SubjectType: core.SubjectPlan,
		SubjectID:   plan.ID,
		Event:       core.EventPlanExpired,
		ActorType:   actor.Type,
		ActorID:     actor.ID,
		PayloadHash: plan.PlanHash,
		Metadata:    map[string]string{"previous_status": string(plan.Status)},
	})
	metrics.Expired.WithLabelValues(string(core.SubjectPlan)).Inc()
	return true
}

// GetPlan returns a plan with lazy expiry applied to its status.
func (e *PlanEngine) GetPlan(ctx context.Context, id string) (*core.Plan, error) {
	plan, err := e.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Lapsed(e.opts.Clock()) {
		plan.Status = core.PlanExpired
	}
	return plan, nil
}

// GetInstallationPlan is GetPlan restricted to one installation.
func (e *PlanEngine) GetInstallationPlan(ctx context.Context, installationID, id string) (*core.Plan, error) {
	plan, err := e.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.InstallationID != installationID {
		return nil, core.NewError(core.KindNotFound, "plan '%s' not found", id)
	}
	return plan, nil
}

func (e *PlanEngine) ListPlans(ctx context.Context, filter core.PlanFilter) ([]core.Plan, error) {
	statuses, limit := filter.Statuses, filter.Limit
	if len(statuses) > 0 {
		filter.Statuses = nil
		filter.Limit = 0
	}
	list, err := e.store.ListPlans(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := e.opts.Clock()
	out := make([]core.Plan, 0, len(list))
	for _, plan := range list {
		if plan.Lapsed(now) {
			plan.Status = core.PlanExpired
		}
		if len(statuses) > 0 && !slices.Contains(statuses, plan.Status) {
			continue
		}
		out = append(out, plan)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpireStale flips every lapsed PENDING or APPROVED plan to EXPIRED.
func (e *PlanEngine) ExpireStale(ctx context.Context) (int, error) {
	stale, err := e.store.ListPlans(ctx, core.PlanFilter{
		Statuses:      []core.PlanStatus{core.PlanPending, core.PlanApproved},
		ExpiresBefore: e.opts.Clock(),
	})
	if err != nil {
		return 0, fmt.Errorf("listing stale plans: %w", err)
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
