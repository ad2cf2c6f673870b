package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/api"
	"github.com/TD-Producoes/revshare-sub005/internal/api/middleware"
	"github.com/TD-Producoes/revshare-sub005/internal/audit"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/engine"
	"github.com/TD-Producoes/revshare-sub005/internal/service"
	"github.com/TD-Producoes/revshare-sub005/internal/store"
	"github.com/TD-Producoes/revshare-sub005/internal/tasks"
)

var signingKey = []byte("0123456789abcdef0123456789abcdef")

func newTestServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := store.NewMemory()
	chain := audit.NewChain(s)
	svc := service.NewInstallationService(s, chain, service.Options{
		BcryptCost:    4,
		PublicURL:     "https://revshare.example.com",
		DefaultPolicy: core.Policy{RequireApprovalForPublish: true},
	})
	intents := engine.NewIntentEngine(s, chain, engine.Options{})
	plans := engine.NewPlanEngine(s, chain, intents, engine.Options{})
	manager := tasks.NewManager(ctx)
	engine.RegisterJanitor(manager, 0, intents, plans, svc)

	srv := api.NewServer(api.Deps{
		Store:         s,
		Installations: svc,
		Intents:       intents,
		Plans:         plans,
		Audit:         chain,
		Tasks:         manager,
	})
	ts := httptest.NewServer(srv.Routes(signingKey))
	t.Cleanup(ts.Close)
	return ts.URL
}

func sessionClient(t *testing.T, server, userID string, roles ...string) *Client {
	t.Helper()
	token, err := middleware.SignSession(signingKey, userID, roles, time.Hour)
	require.NoError(t, err)
	return New(server, WithAuthToken(token))
}

func TestClient_IntentLifecycle(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	owner := sessionClient(t, server, "user-1")

	reg, err := New(server).RegisterAgent(ctx, "growth-bot", []string{"projects:publish"})
	require.NoError(t, err)

	inst, err := owner.ApproveClaim(ctx, reg.ClaimID, nil)
	require.NoError(t, err)
	assert.Equal(t, "user-1", inst.UserID)

	agent := New(server, WithAuthToken(reg.Credential))
	status, err := agent.ClaimStatus(ctx, reg.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, core.ClaimClaimed, status.Status)

	payload := &core.PublishProjectPayload{ProjectID: "p1", Title: "Launch", ProjectArea: "devtools", RevShareBps: 1500}
	created, err := agent.CreateIntent(ctx, payload, "launch-1")
	require.NoError(t, err)
	require.NotEmpty(t, created.Token)
	assert.Equal(t, core.IntentPending, created.Intent.Status)

	replay, err := agent.CreateIntent(ctx, payload, "launch-1")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Empty(t, replay.Token)
	assert.Equal(t, created.Intent.ID, replay.Intent.ID)

	// not yet approved
	_, err = agent.PerformAction(ctx, created.Token, payload)
	assert.ErrorIs(t, err, core.ErrNotApproved)

	pending, err := owner.ListIntents(ctx, ListOptions{Statuses: []string{"pending"}})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = owner.ApproveIntent(ctx, created.Intent.ID)
	require.NoError(t, err)

	res, err := agent.PerformAction(ctx, created.Token, payload)
	require.NoError(t, err)
	assert.Equal(t, created.Intent.ID, res.IntentID)

	// single use
	_, err = agent.PerformAction(ctx, created.Token, payload)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.CorrelationID)

	intent, err := agent.AgentIntent(ctx, created.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentConsumed, intent.Status)
}

func TestClient_Dashboard(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	owner := sessionClient(t, server, "user-1")

	reg, err := New(server).RegisterAgent(ctx, "bot", []string{"projects:publish"})
	require.NoError(t, err)
	_, err = owner.ApproveClaim(ctx, reg.ClaimID, &core.Policy{DailyApplyLimit: 3})
	require.NoError(t, err)

	list, err := owner.ListInstallations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Policy.DailyApplyLimit)

	credential, err := owner.RotateSecret(ctx, reg.InstallationID)
	require.NoError(t, err)
	assert.NotEqual(t, reg.Credential, credential)

	// the old credential stopped working
	_, err = New(server, WithAuthToken(reg.Credential)).CreatePlan(ctx, "x")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	revoked, err := owner.RevokeInstallation(ctx, reg.InstallationID, "done")
	require.NoError(t, err)
	assert.Equal(t, core.InstallationRevoked, revoked.Status)

	// other users cannot see the installation
	_, err = sessionClient(t, server, "user-2").Installation(ctx, reg.InstallationID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestClient_Admin(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)

	_, err := New(server).RegisterAgent(ctx, "bot", []string{"projects:publish"})
	require.NoError(t, err)

	_, err = sessionClient(t, server, "user-1").VerifyAudit(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	admin := sessionClient(t, server, "ops", middleware.AdminRole)
	entries, err := admin.ListAudit(ctx, core.AuditFilter{Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	res, err := admin.VerifyAudit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, len(entries), res.Entries)

	list, err := admin.ListTasks(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, list)
	err = admin.TriggerTask(ctx, "no-such-task")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	info, err := New(server).Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RevClaw", info.Service)
}

func TestClient_InvalidSession(t *testing.T) {
	server := newTestServer(t)
	_, err := New(server, WithAuthToken("garbage")).ListInstallations(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestURLBuilder(t *testing.T) {
	c := New("https://revshare.example.com/")
	got := c.url().
		setPath(api.IntentRoute).
		setPathParam("id", "a/b").
		addQueryParam("limit", 5).
		build()
	assert.Equal(t, "https://revshare.example.com/v1/dashboard/intents/a%2Fb?limit=5", got)
}
