package client

import (
	"context"
	"strings"

	"github.com/TD-Producoes/revshare-sub005/internal/api"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// ListOptions narrows dashboard listings. Zero values are ignored.
type ListOptions struct {
	InstallationID string
	Statuses       []string
	Kind           core.ActionKind
	Limit          int
}

func (o ListOptions) apply(u *urlBuilder) *urlBuilder {
	if o.InstallationID != "" {
		u.addQueryParam("installation_id", o.InstallationID)
	}
	if len(o.Statuses) > 0 {
		u.addQueryParam("status", strings.Join(o.Statuses, ","))
	}
	if o.Kind != "" {
		u.addQueryParam("kind", o.Kind)
	}
	if o.Limit > 0 {
		u.addQueryParam("limit", o.Limit)
	}
	return u
}

func (c *Client) Claim(ctx context.Context, claimID string) (*core.Claim, error) {
	var res core.Claim
	err := c.get(ctx, c.url().
		setPath(api.ClaimRoute).
		setPathParam("id", claimID).
		build(), &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ApproveClaim binds the claimed installation to the session user. A nil
// policy keeps the server default.
func (c *Client) ApproveClaim(ctx context.Context, claimID string, policy *core.Policy) (*core.Installation, error) {
	var res core.Installation
	err := c.post(ctx, c.url().
		setPath(api.ApproveClaimRoute).
		setPathParam("id", claimID).
		build(), api.ApproveClaimRequest{Policy: policy}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListIntents(ctx context.Context, opts ListOptions) ([]core.Intent, error) {
	var res []core.Intent
	err := c.get(ctx, opts.apply(c.url().setPath(api.ListIntentsRoute)).build(), &res)
	return res, err
}

func (c *Client) Intent(ctx context.Context, intentID string) (*core.Intent, error) {
	return c.intentCall(ctx, c.get, api.IntentRoute, intentID)
}

func (c *Client) ApproveIntent(ctx context.Context, intentID string) (*core.Intent, error) {
	return c.intentCall(ctx, c.postEmpty, api.ApproveIntentRoute, intentID)
}

func (c *Client) DenyIntent(ctx context.Context, intentID string) (*core.Intent, error) {
	return c.intentCall(ctx, c.postEmpty, api.DenyIntentRoute, intentID)
}

func (c *Client) ListPlans(ctx context.Context, opts ListOptions) ([]core.Plan, error) {
	var res []core.Plan
	opts.Kind = ""
	err := c.get(ctx, opts.apply(c.url().setPath(api.ListPlansRoute)).build(), &res)
	return res, err
}

func (c *Client) Plan(ctx context.Context, planID string) (*core.Plan, error) {
	return c.planCall(ctx, c.get, api.PlanRoute, planID)
}

func (c *Client) ApprovePlan(ctx context.Context, planID string) (*core.Plan, error) {
	return c.planCall(ctx, c.postEmpty, api.ApprovePlanRoute, planID)
}

func (c *Client) DenyPlan(ctx context.Context, planID string) (*core.Plan, error) {
	return c.planCall(ctx, c.postEmpty, api.DenyPlanRoute, planID)
}

// ExecutePlanAsOwner finalizes a plan from the dashboard, spending the
// approved execute_plan intent executeIntentID.
func (c *Client) ExecutePlanAsOwner(ctx context.Context, planID, executeIntentID string) (*core.Plan, error) {
	var res core.Plan
	err := c.post(ctx, c.url().
		setPath(api.ExecutePlanRoute).
		setPathParam("id", planID).
		build(), api.ExecutePlanRequest{ExecuteIntentID: executeIntentID}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListInstallations(ctx context.Context) ([]core.Installation, error) {
	var res []core.Installation
	err := c.get(ctx, c.url().setPath(api.ListInstallationsRoute).build(), &res)
	return res, err
}

func (c *Client) Installation(ctx context.Context, installationID string) (*core.Installation, error) {
	var res core.Installation
	err := c.get(ctx, c.url().
		setPath(api.InstallationRoute).
		setPathParam("id", installationID).
		build(), &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RevokeInstallation(ctx context.Context, installationID, reason string) (*core.Installation, error) {
	var res core.Installation
	err := c.post(ctx, c.url().
		setPath(api.RevokeInstallationRoute).
		setPathParam("id", installationID).
		build(), api.RevokeRequest{Reason: reason}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// RotateSecret replaces the installation credential and returns the new one.
func (c *Client) RotateSecret(ctx context.Context, installationID string) (string, error) {
	var res api.RotateSecretResponse
	err := c.post(ctx, c.url().
		setPath(api.RotateSecretRoute).
		setPathParam("id", installationID).
		build(), nil, &res)
	return res.Credential, err
}

func (c *Client) UpdatePolicy(ctx context.Context, installationID string, policy core.Policy) (*core.Installation, error) {
	var res core.Installation
	err := c.post(ctx, c.url().
		setPath(api.UpdatePolicyRoute).
		setPathParam("id", installationID).
		build(), policy, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type callFunc func(ctx context.Context, url string, result any) error

func (c *Client) postEmpty(ctx context.Context, url string, result any) error {
	return c.post(ctx, url, nil, result)
}

func (c *Client) intentCall(ctx context.Context, call callFunc, route, id string) (*core.Intent, error) {
	var res core.Intent
	if err := call(ctx, c.url().setPath(route).setPathParam("id", id).build(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) planCall(ctx context.Context, call callFunc, route, id string) (*core.Plan, error) {
	var res core.Plan
	if err := call(ctx, c.url().setPath(route).setPathParam("id", id).build(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}
