package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/crypto"
)

func (f *fixture) executeIntent(t *testing.T, inst *core.Installation, plan *core.Plan) *CreateIntentResult {
	t.Helper()
	return f.create(t, inst, ExecutionPayload(plan))
}

func TestCreatePlan_HashFollowsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	inst := f.installation(t, "user-1", requireAll)

	a := f.create(t, inst, publish("p1"))
	b := f.create(t, inst, publish("p2"))

	ab, err := f.plans.CreatePlan(ctx, inst.ID, []string{a.Intent.ID, b.Intent.ID})
	require.NoError(t, err)
	ba, err := f.plans.CreatePlan(ctx, inst.ID, []string{b.Intent.ID, a.Intent.ID})
	require.NoError(t, err)

	assert.NotEqual(t, ab.PlanHash, ba.PlanHash)
	want, err := crypto.HashPlan([]string{a.Intent.PayloadHash, b.Intent.PayloadHash})
	require.NoError(t, err)
	assert.Equal(t, want, ab.PlanHash)
	assert.Equal(t, core.PlanPending, ab.Status)
}

func TestCreatePlan_InvalidMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{IntentTTL: time.Minute})
	inst := f.installation(t, "user-1", requireAll)
	other := f.installation(t, "user-2", requireAll)

	foreign := f.create(t, other, publish("p1"))
	denied := f.create(t, inst, publish("p2"))
	_, err := f.intents.DenyIntent(ctx, denied.Intent.ID, "user-1")
	require.NoError(t, err)
	consumed := f.create(t, inst, apply("p3"))
	_, err = f.intents.ApproveIntent(ctx, consumed.Intent.ID, "user-1")
	require.NoError(t, err)
	_, err = f.intents.ConsumeIntent(ctx, consumed.Intent.ID, consumed.Intent.PayloadHash, Agent(inst.ID))
	require.NoError(t, err)
	live := f.create(t, inst, publish("p4"))

	tests := []struct {
		name    string
		members []string
	}{
		{"other installation", []string{live.Intent.ID, foreign.Intent.ID}},
		{"denied member", []string{denied.Intent.ID}},
		{"consumed member", []string{consumed.Intent.ID}},
		{"unknown member", []string{"nope"}},
		{"duplicate member", []string{live.Intent.ID, live.Intent.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.plans.CreatePlan(ctx, inst.ID, tt.members)
			require.ErrorIs(t, err, core.ErrInvalidPlanMember)
		})
	}

	f.clock.Advance(time.Minute)
	_, err = f.plans.CreatePlan(ctx, inst.ID, []string{live.Intent.ID})
	require.ErrorIs(t, err, core.ErrInvalidPlanMember, "lapsed members count as expired")
}

func TestExecutePlan_FullFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	inst := f.installation(t, "user-1", core.Policy{RequireApprovalForApply: true})

	a := f.create(t, inst, publish("p1"))
	b := f.create(t, inst, apply("p1"))
	require.Equal(t, core.IntentApproved, a.Intent.Status)
	require.Equal(t, core.IntentPending, b.Intent.Status)

	plan, err := f.plans.CreatePlan(ctx, inst.ID, []string{a.Intent.ID, b.Intent.ID})
	require.NoError(t, err)
	require.Equal(t, core.PlanPending, plan.Status)

	exec := f.executeIntent(t, inst, plan)

	// not approved yet
	_, err = f.plans.ExecutePlan(ctx, ExecutePlanRequest{PlanID: plan.ID, ExecuteIntentID: exec.Intent.ID, Actor: Agent(inst.ID)})
	require.ErrorIs(t, err, core.ErrNotApproved)

	approved, err := f.plans.ApprovePlan(ctx, plan.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, core.PlanApproved, approved.Status)

	member, err := f.intents.GetIntent(ctx, b.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentApproved, member.Status, "approval cascades to pending members")

	executed, err := f.plans.ExecutePlan(ctx, ExecutePlanRequest{PlanID: plan.ID, ExecuteIntentID: exec.Intent.ID, Actor: Agent(inst.ID)})
	require.NoError(t, err)
	assert.Equal(t, core.PlanExecuted, executed.Status)
	assert.Equal(t, exec.Intent.ID, executed.ExecuteIntentID)
	require.NotNil(t, executed.ExecutedAt)

	execIntent, err := f.intents.GetIntent(ctx, exec.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentConsumed, execIntent.Status)

	_, err = f.plans.ExecutePlan(ctx, ExecutePlanRequest{PlanID: plan.ID, ExecuteIntentID: exec.Intent.ID, Actor: Agent(inst.ID)})
	require.ErrorIs(t, err, core.ErrInvalidTransition)

	assert.Equal(t,
		[]core.AuditEvent{core.EventPlanCreated, core.EventPlanRejected, core.EventPlanApproved, core.EventPlanExecuted, core.EventPlanRejected},
		f.events(t, plan.ID))
}

func TestExecutePlan_AutoApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	inst := f.installation(t, "user-1", autoApprove)

	a := f.create(t, inst, publish("p1"))
	plan, err := f.plans.CreatePlan(ctx, inst.ID, []string{a.Intent.ID})
	require.NoError(t, err)
	require.Equal(t, core.PlanApproved, plan.Status)

	exec := f.executeIntent(t, inst, plan)
	require.Equal(t, core.IntentApproved, exec.Intent.Status)

	hash, err := crypto.HashPayload(ExecutionPayload(plan))
	require.NoError(t, err)
	executed, err := f.plans.ExecutePlan(ctx, ExecutePlanRequest{
		PlanID:             plan.ID,
		ExecuteIntentID:    exec.Intent.ID,
		RequestPayloadHash: hash,
		Actor:              Agent(inst.ID),
	})
	require.NoError(t, err)
	assert.Equal(t, core.PlanExecuted, executed.Status)
}

func TestExecutePlan_WrongExecutePayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	inst := f.installation(t, "user-1", autoApprove)

	a := f.create(t, inst, publish("p1"))
	plan, err := f.plans.CreatePlan(ctx, inst.ID, []string{a.Intent.ID})
	require.NoError(t, err)

	// an execute intent bound to a different plan hash
	bogus := f.create(t, inst, &core.ExecutePlanPayload{PlanID: plan.ID, PlanHash: crypto.HashToken("other")})

	_, err = f.plans.ExecutePlan(ctx, ExecutePlanRequest{PlanID: plan.ID, ExecuteIntentID: bogus.Intent.ID, Actor: Agent(inst.ID)})
	require.ErrorIs(t, err, core.ErrPayloadMismatch)

	got, err := f.plans.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanApproved, got.Status)

	// a regular intent cannot finalize a plan
	_, err = f.plans.ExecutePlan(ctx, ExecutePlanRequest{PlanID: plan.ID, ExecuteIntentID: a.Intent.ID, Actor: Agent(inst.ID)})
	require.ErrorIs(t, err, core.ErrInvalidPlanMember)
}

func TestExecutePlan_MemberExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{IntentTTL: time.Minute, PlanTTL: time.Hour})
	inst := f.installation(t, "user-1", autoApprove)

	a := f.create(t, inst, publish("p1"))
	b := f.create(t, inst, publish("p2"))
	plan, err := f.plans.CreatePlan(ctx, inst.ID, []string{a.Intent.ID, b.Intent.ID})
	require.NoError(t, err)

	// first step already carried out
	_, err = f.intents.ConsumeIntent(ctx, a.Intent.ID, a.Intent.PayloadHash, Agent(inst.ID))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	exec := f.executeIntent(t, inst, plan)

	_, err = f.plans.ExecutePlan(ctx, ExecutePlanRequest{PlanID: plan.ID, ExecuteIntentID: exec.Intent.ID, Actor: Agent(inst.ID)})
	require.ErrorIs(t, err, core.ErrPlanMemberExpired)

	stored, err := f.store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanExpired, stored.Status)

	first, err := f.store.GetIntent(ctx, a.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentConsumed, first.Status, "consumed members are not rolled back")

	second, err := f.store.GetIntent(ctx, b.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentExpired, second.Status)

	execIntent, err := f.store.GetIntent(ctx, exec.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentApproved, execIntent.Status, "the execute intent is not spent on an aborted plan")
}

func TestDenyPlan_Cascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	inst := f.installation(t, "user-1", requireAll)

	a := f.create(t, inst, publish("p1"))
	b := f.create(t, inst, publish("p2"))
	_, err := f.intents.ApproveIntent(ctx, a.Intent.ID, "user-1")
	require.NoError(t, err)

	plan, err := f.plans.CreatePlan(ctx, inst.ID, []string{a.Intent.ID, b.Intent.ID})
	require.NoError(t, err)

	_, err = f.plans.DenyPlan(ctx, plan.ID, "user-2")
	require.ErrorIs(t, err, core.ErrNotFound)

	denied, err := f.plans.DenyPlan(ctx, plan.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, core.PlanDenied, denied.Status)

	first, err := f.intents.GetIntent(ctx, a.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentApproved, first.Status, "decided members keep their decision")

	second, err := f.intents.GetIntent(ctx, b.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentDenied, second.Status)

	_, err = f.plans.ApprovePlan(ctx, plan.ID, "user-1")
	require.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestPlans_ExpireStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{PlanTTL: time.Minute, IntentTTL: time.Hour})
	inst := f.installation(t, "user-1", requireAll)

	a := f.create(t, inst, publish("p1"))
	plan, err := f.plans.CreatePlan(ctx, inst.ID, []string{a.Intent.ID})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	got, err := f.plans.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanExpired, got.Status)

	n, err := f.plans.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.plans.ApprovePlan(ctx, plan.ID, "user-1")
	require.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestExecutePlan_LookupRefusalsAreAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	owner := f.installation(t, "user-1", autoApprove)
	other := f.installation(t, "user-2", autoApprove)

	a := f.create(t, owner, publish("p1"))
	plan, err := f.plans.CreatePlan(ctx, owner.ID, []string{a.Intent.ID})
	require.NoError(t, err)
	exec := f.create(t, other, ExecutionPayload(plan))

	tests := []struct {
		name   string
		planID string
		actor  Actor
	}{
		{"foreign installation", plan.ID, Agent(other.ID)},
		{"unknown plan", "no-such-plan", Agent(other.ID)},
		{"foreign user", plan.ID, Human("user-2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := f.chain.List(ctx, core.AuditFilter{Event: core.EventPlanRejected, SubjectID: tt.planID})
			require.NoError(t, err)

			_, err = f.plans.ExecutePlan(ctx, ExecutePlanRequest{
				PlanID:          tt.planID,
				ExecuteIntentID: exec.Intent.ID,
				Actor:           tt.actor,
			})
			require.ErrorIs(t, err, core.ErrNotFound)

			after, err := f.chain.List(ctx, core.AuditFilter{Event: core.EventPlanRejected, SubjectID: tt.planID})
			require.NoError(t, err)
			require.Len(t, after, len(before)+1)

			last := after[len(after)-1]
			assert.Equal(t, core.KindNotFound, last.FailureKind)
			assert.Equal(t, tt.actor.Type, last.ActorType)
			assert.Equal(t, tt.actor.ID, last.ActorID)
			assert.Equal(t, exec.Intent.ID, last.Metadata["execute_intent_id"])
		})
	}

	stored, err := f.store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanApproved, stored.Status)

	execIntent, err := f.store.GetIntent(ctx, exec.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IntentApproved, execIntent.Status)

	valid, err := f.chain.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, valid.Valid)
}
