package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/audit"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *store.Memory
	chain   *audit.Chain
	clock   *fakeClock
	intents *IntentEngine
	plans   *PlanEngine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	s := store.NewMemory()
	clock := newFakeClock()
	chain := audit.NewChain(s, audit.WithClock(clock.Now))
	opts.Clock = clock.Now
	intents := NewIntentEngine(s, chain, opts)
	return &fixture{
		store:   s,
		chain:   chain,
		clock:   clock,
		intents: intents,
		plans:   NewPlanEngine(s, chain, intents, opts),
	}
}

func allScopes() []string {
	var scopes []string
	for _, k := range core.ActionKinds {
		scopes = append(scopes, k.Scope())
	}
	return scopes
}

func (f *fixture) installation(t *testing.T, userID string, policy core.Policy, scopes ...string) *core.Installation {
	t.Helper()
	if len(scopes) == 0 {
		scopes = allScopes()
	}
	inst := &core.Installation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      "test-bot",
		Status:    core.InstallationActive,
		Scopes:    scopes,
		Policy:    policy,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreateInstallation(context.Background(), inst))
	return inst
}

func (f *fixture) revoke(t *testing.T, inst *core.Installation) {
	t.Helper()
	_, err := f.store.CompareAndSwapInstallation(context.Background(), inst.ID, core.InstallationActive,
		func(i *core.Installation) {
			i.Status = core.InstallationRevoked
		})
	require.NoError(t, err)
}

func (f *fixture) create(t *testing.T, inst *core.Installation, p core.Payload) *CreateIntentResult {
	t.Helper()
	res, err := f.intents.CreateIntent(context.Background(), CreateIntentRequest{
		InstallationID: inst.ID,
		Payload:        p,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) events(t *testing.T, subjectID string) []core.AuditEvent {
	t.Helper()
	entries, err := f.chain.List(context.Background(), core.AuditFilter{SubjectID: subjectID})
	require.NoError(t, err)
	var out []core.AuditEvent
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out
}

func publish(projectID string) *core.PublishProjectPayload {
	return &core.PublishProjectPayload{
		ProjectID:   projectID,
		Title:       "Acme Analytics",
		ProjectArea: "devtools",
		RevShareBps: 2500,
	}
}

func apply(projectID string) *core.ApplyToProjectPayload {
	return &core.ApplyToProjectPayload{
		ProjectID:     projectID,
		ProjectArea:   "devtools",
		Message:       "I run a newsletter with 40k founders",
		CommissionBps: 1500,
	}
}

func payout() *core.UpdatePayoutPayload {
	return &core.UpdatePayoutPayload{
		StripeAccountID:    "acct_1NX",
		Currency:           "usd",
		Schedule:           "weekly",
		MinimumPayoutCents: 5000,
	}
}

var autoApprove = core.Policy{}

var requireAll = core.Policy{
	RequireApprovalForPublish: true,
	RequireApprovalForApply:   true,
}
