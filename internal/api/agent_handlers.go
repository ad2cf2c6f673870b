package api

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/api/middleware"
	"github.com/TD-Producoes/revshare-sub005/internal/api/presenter"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/engine"
	"github.com/TD-Producoes/revshare-sub005/internal/metrics"
	"github.com/TD-Producoes/revshare-sub005/internal/service"
)

// handleRegisterAgent opens an onboarding claim for a new agent.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := DecodePayload(w, r, &req, false); err != nil {
		presenter.Err(w, r, err, "invalid registration")
		return
	}

	reg, err := s.installations.RegisterAgent(r.Context(), service.RegisterRequest{
		Name:            req.Name,
		RequestedScopes: req.RequestedScopes,
	})
	if err != nil {
		presenter.Err(w, r, err, "registration failed")
		return
	}

	presenter.JSON(w, r, RegisterAgentResponse{
		ClaimID:        reg.Claim.ID,
		InstallationID: reg.Claim.InstallationID,
		ClaimURL:       reg.ClaimURL,
		ExpiresAt:      reg.Claim.ExpiresAt,
		Credential:     reg.Credential,
	}, http.StatusCreated)
}

// handleAgentClaim lets a registered agent poll whether its claim was approved.
func (s *Server) handleAgentClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.installations.GetClaim(r.Context(), r.PathValue("id"))
	if err != nil {
		presenter.Err(w, r, err, "failed to get claim")
		return
	}

	resp := ClaimStatusResponse{
		ID:        claim.ID,
		Status:    claim.Status,
		ExpiresAt: claim.ExpiresAt,
	}
	if claim.Status == core.ClaimClaimed {
		resp.InstallationID = claim.InstallationID
	}
	presenter.JSON(w, r, resp, http.StatusOK)
}

// handleCreateIntent proposes an action. Repeating a request with the same
// idempotency key returns the live intent instead of creating another one.
func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	inst := middleware.InstallationFromContext(r.Context())

	var req CreateIntentRequest
	if err := DecodePayload(w, r, &req, false); err != nil {
		presenter.Err(w, r, err, "invalid intent request")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)
	}

	payload, err := core.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		presenter.Err(w, r, err, "invalid intent payload")
		return
	}

	res, err := s.intents.CreateIntent(r.Context(), engine.CreateIntentRequest{
		InstallationID: inst.ID,
		Payload:        payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		presenter.Err(w, r, err, "intent rejected")
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	presenter.JSON(w, r, IntentResponse{
		Intent:   res.Intent,
		Token:    res.Token,
		Replayed: res.Replayed,
	}, status)
}

// handleAgentIntent returns the status of one of the agent's intents.
func (s *Server) handleAgentIntent(w http.ResponseWriter, r *http.Request) {
	inst := middleware.InstallationFromContext(r.Context())
	intent, err := s.intents.GetInstallationIntent(r.Context(), inst.ID, r.PathValue("id"))
	if err != nil {
		presenter.Err(w, r, err, "failed to get intent")
		return
	}
	presenter.JSON(w, r, IntentResponse{Intent: intent}, http.StatusOK)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	inst := middleware.InstallationFromContext(r.Context())

	var req CreatePlanRequest
	if err := DecodePayload(w, r, &req, false); err != nil {
		presenter.Err(w, r, err, "invalid plan request")
		return
	}

	plan, err := s.plans.CreatePlan(r.Context(), inst.ID, req.IntentIDs)
	if err != nil {
		presenter.Err(w, r, err, "plan rejected")
		return
	}
	presenter.JSON(w, r, plan, http.StatusCreated)
}

func (s *Server) handleAgentPlan(w http.ResponseWriter, r *http.Request) {
	inst := middleware.InstallationFromContext(r.Context())
	plan, err := s.plans.GetInstallationPlan(r.Context(), inst.ID, r.PathValue("id"))
	if err != nil {
		presenter.Err(w, r, err, "failed to get plan")
		return
	}
	presenter.JSON(w, r, plan, http.StatusOK)
}

// handleAgentExecutePlan finalizes a plan. The bearer token is the token of an
// execute_plan intent and the body its payload. The plan engine consumes the
// intent together with the plan transition.
func (s *Server) handleAgentExecutePlan(w http.ResponseWriter, r *http.Request) {
	g, ok := s.enforcer.Resolve(w, r, core.ActionExecutePlan)
	if !ok {
		return
	}

	plan, err := s.plans.ExecutePlan(r.Context(), engine.ExecutePlanRequest{
		PlanID:             r.PathValue("id"),
		ExecuteIntentID:    g.Intent.ID,
		RequestPayloadHash: g.PayloadHash,
		Actor:              engine.Agent(g.Installation.ID),
	})
	if err != nil {
		metrics.Enforcement.WithLabelValues(string(core.ActionExecutePlan), string(core.KindOf(err))).Inc()
		presenter.Err(w, r, err, "plan execution refused")
		return
	}

	metrics.Enforcement.WithLabelValues(string(core.ActionExecutePlan), "allowed").Inc()
	presenter.JSON(w, r, plan, http.StatusOK)
}

// actionRouter dispatches guarded actions to one Enforcer handler per kind.
func (s *Server) actionRouter() http.Handler {
	handlers := make(map[core.ActionKind]http.Handler, len(core.ActionKinds))
	for _, kind := range core.ActionKinds {
		if kind == core.ActionExecutePlan {
			// plans are finalized through their own route
			continue
		}
		handlers[kind] = s.enforcer.Enforce(kind, s.handleGuardedAction)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[core.ActionKind(r.PathValue("kind"))]
		if !ok {
			presenter.Err(w, r, core.NewError(core.KindNotFound, "unknown action '%s'", r.PathValue("kind")), "no such action")
			return
		}
		h.ServeHTTP(w, r)
	})
}

// handleGuardedAction runs after the intent was consumed.
func (s *Server) handleGuardedAction(w http.ResponseWriter, r *http.Request, g *middleware.Guarded) {
	ctx := r.Context()
	kind := g.Intent.ActionKind

	rec := core.AuditRecord{
		SubjectType: core.SubjectIntent,
		SubjectID:   g.Intent.ID,
		Event:       core.EventActionExecuted,
		ActorType:   core.ActorAgent,
		ActorID:     g.Installation.ID,
		PayloadHash: g.Intent.PayloadHash,
		Metadata: map[string]string{
			"action_kind":    string(kind),
			"correlation_id": middleware.CorrelationCtx(ctx),
		},
	}

	result, err := s.executor.Execute(ctx, g.Installation, g.Intent, g.Payload)
	if err != nil {
		rec.Event = core.EventActionFailed
		rec.Metadata["error"] = err.Error()
		s.record(r, rec)
		log.Ctx(ctx).Error().Err(err).Str("kind", string(kind)).Msg("guarded action failed")
		presenter.Error(w, r, "action failed after authorization, the intent is spent", http.StatusBadGateway)
		return
	}

	s.record(r, rec)
	presenter.JSON(w, r, ActionResponse{
		IntentID: g.Intent.ID,
		Kind:     kind,
		Result:   result,
	}, http.StatusOK)
}

func (s *Server) record(r *http.Request, rec core.AuditRecord) {
	if _, err := s.audit.Record(r.Context(), rec); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("event", string(rec.Event)).Msg("failed to write audit entry")
	}
}
