package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TD-Producoes/revshare-sub005/internal/api"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// RegisterAgent opens an onboarding claim. The returned credential starts
// working once a human approves the claim.
func (c *Client) RegisterAgent(ctx context.Context, name string, scopes []string) (*api.RegisterAgentResponse, error) {
	var res api.RegisterAgentResponse
	err := c.post(ctx, c.url().
		setPath(api.RegisterAgentRoute).
		build(), api.RegisterAgentRequest{
		Name:            name,
		RequestedScopes: scopes,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ClaimStatus(ctx context.Context, claimID string) (*api.ClaimStatusResponse, error) {
	var res api.ClaimStatusResponse
	err := c.get(ctx, c.url().
		setPath(api.AgentClaimRoute).
		setPathParam("id", claimID).
		build(), &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateIntent proposes an action. Repeating a call with the same non-empty
// idempotency key returns the existing intent with Replayed set and no token.
func (c *Client) CreateIntent(ctx context.Context, payload core.Payload, idempotencyKey string) (*api.IntentResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	var res api.IntentResponse
	err = c.post(ctx, c.url().
		setPath(api.AgentIntentsRoute).
		build(), api.CreateIntentRequest{
		Kind:           payload.Kind(),
		Payload:        raw,
		IdempotencyKey: idempotencyKey,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// AgentIntent returns one of the calling agent's intents.
func (c *Client) AgentIntent(ctx context.Context, intentID string) (*core.Intent, error) {
	var res api.IntentResponse
	err := c.get(ctx, c.url().
		setPath(api.AgentIntentRoute).
		setPathParam("id", intentID).
		build(), &res)
	if err != nil {
		return nil, err
	}
	return res.Intent, nil
}

func (c *Client) CreatePlan(ctx context.Context, intentIDs ...string) (*core.Plan, error) {
	var res core.Plan
	err := c.post(ctx, c.url().
		setPath(api.AgentPlansRoute).
		build(), api.CreatePlanRequest{IntentIDs: intentIDs}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) AgentPlan(ctx context.Context, planID string) (*core.Plan, error) {
	var res core.Plan
	err := c.get(ctx, c.url().
		setPath(api.AgentPlanRoute).
		setPathParam("id", planID).
		build(), &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// PerformAction spends the intent behind intentToken. The payload must be the
// one the intent was created with.
func (c *Client) PerformAction(ctx context.Context, intentToken string, payload core.Payload) (*api.ActionResponse, error) {
	var res api.ActionResponse
	err := c.postAs(ctx, intentToken, c.url().
		setPath(api.AgentActionRoute).
		setPathParam("kind", string(payload.Kind())).
		build(), payload, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ExecutePlan finalizes an approved plan with the token of an execute_plan
// intent naming the plan and its hash.
func (c *Client) ExecutePlan(ctx context.Context, intentToken string, plan *core.Plan) (*core.Plan, error) {
	var res core.Plan
	err := c.postAs(ctx, intentToken, c.url().
		setPath(api.AgentExecutePlanRoute).
		setPathParam("id", plan.ID).
		build(), &core.ExecutePlanPayload{PlanID: plan.ID, PlanHash: plan.PlanHash}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
