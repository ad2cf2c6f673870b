package api

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/TD-Producoes/revshare-sub005/internal/api/middleware"
	"github.com/TD-Producoes/revshare-sub005/internal/api/presenter"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/engine"
	"github.com/TD-Producoes/revshare-sub005/internal/service"
)

func userID(r *http.Request) string {
	return middleware.SessionFromContext(r.Context()).UserID
}

// scopeInstallations resolves the installations a dashboard listing covers:
// all of the user's, or the one named by the installation_id parameter.
func (s *Server) scopeInstallations(r *http.Request) ([]string, error) {
	ids, err := s.installations.InstallationIDs(r.Context(), userID(r))
	if err != nil {
		return nil, err
	}
	if want := r.URL.Query().Get("installation_id"); want != "" {
		if !slices.Contains(ids, want) {
			return nil, core.NewError(core.KindNotFound, "installation '%s' not found", want)
		}
		return []string{want}, nil
	}
	return ids, nil
}

// ownInstallation fails with NotFound unless the user owns installationID.
func (s *Server) ownInstallation(ctx context.Context, installationID, userID string) error {
	_, err := s.installations.GetInstallation(ctx, installationID, userID)
	return err
}

// handleGetClaim backs the claim page a human opens from the agent's link.
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.installations.GetClaim(r.Context(), r.PathValue("id"))
	if err != nil {
		presenter.Err(w, r, err, "failed to get claim")
		return
	}
	presenter.JSON(w, r, claim, http.StatusOK)
}

func (s *Server) handleApproveClaim(w http.ResponseWriter, r *http.Request) {
	var req ApproveClaimRequest
	if err := DecodePayload(w, r, &req, true /* allow empty */); err != nil {
		presenter.Err(w, r, err, "invalid claim approval")
		return
	}

	inst, err := s.installations.ApproveClaim(r.Context(), service.ApproveClaimRequest{
		ClaimID: r.PathValue("id"),
		UserID:  userID(r),
		Policy:  req.Policy,
	})
	if err != nil {
		presenter.Err(w, r, err, "failed to approve claim")
		return
	}
	presenter.JSON(w, r, inst, http.StatusCreated)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		presenter.Err(w, r, err, "invalid query")
		return
	}
	installationIDs, err := s.scopeInstallations(r)
	if err != nil {
		presenter.Err(w, r, err, "failed to list intents")
		return
	}
	if len(installationIDs) == 0 {
		presenter.JSON(w, r, []core.Intent{}, http.StatusOK)
		return
	}

	filter := core.IntentFilter{
		InstallationIDs: installationIDs,
		ActionKind:      core.ActionKind(r.URL.Query().Get("kind")),
		Limit:           limit,
	}
	for _, status := range queryList(r, "status") {
		filter.Statuses = append(filter.Statuses, core.IntentStatus(strings.ToUpper(status)))
	}

	intents, err := s.intents.ListIntents(r.Context(), filter)
	if err != nil {
		presenter.Err(w, r, err, "failed to list intents")
		return
	}
	presenter.JSON(w, r, intents, http.StatusOK)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.intents.GetIntent(r.Context(), r.PathValue("id"))
	if err == nil {
		err = s.ownInstallation(r.Context(), intent.InstallationID, userID(r))
	}
	if err != nil {
		presenter.Err(w, r, err, "failed to get intent")
		return
	}
	presenter.JSON(w, r, intent, http.StatusOK)
}

func (s *Server) handleApproveIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.intents.ApproveIntent(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		presenter.Err(w, r, err, "failed to approve intent")
		return
	}
	presenter.JSON(w, r, intent, http.StatusOK)
}

func (s *Server) handleDenyIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.intents.DenyIntent(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		presenter.Err(w, r, err, "failed to deny intent")
		return
	}
	presenter.JSON(w, r, intent, http.StatusOK)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		presenter.Err(w, r, err, "invalid query")
		return
	}
	installationIDs, err := s.scopeInstallations(r)
	if err != nil {
		presenter.Err(w, r, err, "failed to list plans")
		return
	}
	if len(installationIDs) == 0 {
		presenter.JSON(w, r, []core.Plan{}, http.StatusOK)
		return
	}

	filter := core.PlanFilter{
		InstallationIDs: installationIDs,
		Limit:           limit,
	}
	for _, status := range queryList(r, "status") {
		filter.Statuses = append(filter.Statuses, core.PlanStatus(strings.ToUpper(status)))
	}

	plans, err := s.plans.ListPlans(r.Context(), filter)
	if err != nil {
		presenter.Err(w, r, err, "failed to list plans")
		return
	}
	presenter.JSON(w, r, plans, http.StatusOK)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.plans.GetPlan(r.Context(), r.PathValue("id"))
	if err == nil {
		err = s.ownInstallation(r.Context(), plan.InstallationID, userID(r))
	}
	if err != nil {
		presenter.Err(w, r, err, "failed to get plan")
		return
	}
	presenter.JSON(w, r, plan, http.StatusOK)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.plans.ApprovePlan(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		presenter.Err(w, r, err, "failed to approve plan")
		return
	}
	presenter.JSON(w, r, plan, http.StatusOK)
}

func (s *Server) handleDenyPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.plans.DenyPlan(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		presenter.Err(w, r, err, "failed to deny plan")
		return
	}
	presenter.JSON(w, r, plan, http.StatusOK)
}

// handleExecutePlan finalizes a plan on behalf of its owner, spending the
// named execute_plan intent.
func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	var req ExecutePlanRequest
	if err := DecodePayload(w, r, &req, false); err != nil {
		presenter.Err(w, r, err, "invalid plan execution")
		return
	}
	if req.ExecuteIntentID == "" {
		presenter.Err(w, r, core.NewError(core.KindInvalidRequest, "execute_intent_id is required"), "invalid plan execution")
		return
	}

	plan, err := s.plans.ExecutePlan(r.Context(), engine.ExecutePlanRequest{
		PlanID:          r.PathValue("id"),
		ExecuteIntentID: req.ExecuteIntentID,
		Actor:           engine.Human(userID(r)),
	})
	if err != nil {
		presenter.Err(w, r, err, "plan execution refused")
		return
	}
	presenter.JSON(w, r, plan, http.StatusOK)
}

func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	list, err := s.installations.ListInstallations(r.Context(), userID(r))
	if err != nil {
		presenter.Err(w, r, err, "failed to list installations")
		return
	}
	if list == nil {
		list = []core.Installation{}
	}
	presenter.JSON(w, r, list, http.StatusOK)
}

func (s *Server) handleGetInstallation(w http.ResponseWriter, r *http.Request) {
	inst, err := s.installations.GetInstallation(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		presenter.Err(w, r, err, "failed to get installation")
		return
	}
	presenter.JSON(w, r, inst, http.StatusOK)
}

func (s *Server) handleRevokeInstallation(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := DecodePayload(w, r, &req, true /* allow empty */); err != nil {
		presenter.Err(w, r, err, "invalid revocation")
		return
	}
	inst, err := s.installations.Revoke(r.Context(), r.PathValue("id"), userID(r), req.Reason)
	if err != nil {
		presenter.Err(w, r, err, "failed to revoke installation")
		return
	}
	presenter.JSON(w, r, inst, http.StatusOK)
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	credential, err := s.installations.RotateSecret(r.Context(), id, userID(r))
	if err != nil {
		presenter.Err(w, r, err, "failed to rotate secret")
		return
	}
	presenter.JSON(w, r, RotateSecretResponse{
		InstallationID: id,
		Credential:     credential,
	}, http.StatusOK)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy core.Policy
	if err := DecodePayload(w, r, &policy, false); err != nil {
		presenter.Err(w, r, err, "invalid policy")
		return
	}
	inst, err := s.installations.UpdatePolicy(r.Context(), r.PathValue("id"), userID(r), policy)
	if err != nil {
		presenter.Err(w, r, err, "failed to update policy")
		return
	}
	presenter.JSON(w, r, inst, http.StatusOK)
}
