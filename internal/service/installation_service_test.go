package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/audit"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/store"
)

type testEnv struct {
	svc   *InstallationService
	store *store.Memory
	chain *audit.Chain
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemory(),
		now:   time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	env.chain = audit.NewChain(env.store)
	env.svc = NewInstallationService(env.store, env.chain, Options{
		ClaimTTL:      time.Hour,
		BcryptCost:    4,
		DefaultPolicy: core.Policy{RequireApprovalForPublish: true, RequireApprovalForApply: true},
		PublicURL:     "https://revshare.example.com/",
		Clock:         func() time.Time { return env.now },
	})
	return env
}

func (env *testEnv) onboard(t *testing.T, userID string) (*core.Installation, string) {
	t.Helper()
	ctx := context.Background()
	reg, err := env.svc.RegisterAgent(ctx, RegisterRequest{
		Name:            "growth-bot",
		RequestedScopes: []string{"projects:apply", "projects:publish"},
	})
	require.NoError(t, err)
	inst, err := env.svc.ApproveClaim(ctx, ApproveClaimRequest{ClaimID: reg.Claim.ID, UserID: userID})
	require.NoError(t, err)
	return inst, reg.Credential
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		in     string
		id     string
		secret string
		ok     bool
	}{
		{"rcl_abc.def", "abc", "def", true},
		{"rcl_abc.def.ghi", "abc", "def.ghi", true},
		{"abc.def", "", "", false},
		{"rcl_abc", "", "", false},
		{"rcl_.def", "", "", false},
		{"rcl_abc.", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, secret, ok := ParseCredential(tt.in)
			if ok != tt.ok || id != tt.id || secret != tt.secret {
				t.Errorf("ParseCredential(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.in, id, secret, ok, tt.id, tt.secret, tt.ok)
			}
		})
	}
}

func TestRegisterAgent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	reg, err := env.svc.RegisterAgent(ctx, RegisterRequest{
		Name:            " growth-bot ",
		RequestedScopes: []string{"projects:publish", "projects:apply", "projects:publish"},
	})
	require.NoError(t, err)

	assert.Equal(t, "growth-bot", reg.Claim.Name)
	assert.Equal(t, []string{"projects:apply", "projects:publish"}, reg.Claim.RequestedScopes)
	assert.Equal(t, core.ClaimPending, reg.Claim.Status)
	assert.Equal(t, env.now.Add(time.Hour), reg.Claim.ExpiresAt)
	assert.Equal(t, "https://revshare.example.com/revclaw/claim/"+reg.Claim.ID, reg.ClaimURL)

	id, secret, ok := ParseCredential(reg.Credential)
	require.True(t, ok)
	assert.Equal(t, reg.Claim.InstallationID, id)
	assert.NotContains(t, reg.Claim.SecretHash, secret, "the plaintext secret is never stored")

	// the credential does not work before the claim is approved
	_, err = env.svc.Authenticate(ctx, reg.Credential)
	require.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestRegisterAgent_Invalid(t *testing.T) {
	env := newTestEnv(t)
	for _, req := range []RegisterRequest{
		{Name: "", RequestedScopes: []string{"projects:apply"}},
		{Name: "bot"},
		{Name: "bot", RequestedScopes: []string{"admin:all"}},
	} {
		_, err := env.svc.RegisterAgent(context.Background(), req)
		assert.ErrorIs(t, err, core.ErrInvalidRequest)
	}
}

func TestApproveClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	inst, credential := env.onboard(t, "user-1")
	assert.Equal(t, core.InstallationActive, inst.Status)
	assert.Equal(t, "user-1", inst.UserID)
	assert.True(t, inst.Policy.RequireApprovalForApply)

	got, err := env.svc.Authenticate(ctx, credential)
	require.NoError(t, err)
	if diff := cmp.Diff(inst.Scopes, got.Scopes); diff != "" {
		t.Errorf("scopes mismatch (-want +got):\n%s", diff)
	}

	claim, err := env.svc.GetClaim(ctx, inst.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, core.ClaimClaimed, claim.Status)
	assert.Equal(t, "user-1", claim.ClaimedBy)

	// single use
	_, err = env.svc.ApproveClaim(ctx, ApproveClaimRequest{ClaimID: inst.ClaimID, UserID: "user-2"})
	require.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestApproveClaim_Expired(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	reg, err := env.svc.RegisterAgent(ctx, RegisterRequest{Name: "bot", RequestedScopes: []string{"projects:apply"}})
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)
	claim, err := env.svc.GetClaim(ctx, reg.Claim.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ClaimExpired, claim.Status)

	_, err = env.svc.ApproveClaim(ctx, ApproveClaimRequest{ClaimID: reg.Claim.ID, UserID: "user-1"})
	require.ErrorIs(t, err, core.ErrExpired)
}

// flakyInstallations fails installation inserts while failInserts is set.
type flakyInstallations struct {
	*store.Memory
	failInserts bool
}

func (f *flakyInstallations) CreateInstallation(ctx context.Context, inst *core.Installation) error {
	if f.failInserts {
		return errors.New("disk full")
	}
	return f.Memory.CreateInstallation(ctx, inst)
}

func TestApproveClaim_InsertFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	s := &flakyInstallations{Memory: store.NewMemory(), failInserts: true}
	svc := NewInstallationService(s, audit.NewChain(s), Options{BcryptCost: 4})

	reg, err := svc.RegisterAgent(ctx, RegisterRequest{Name: "bot", RequestedScopes: []string{"projects:apply"}})
	require.NoError(t, err)

	_, err = svc.ApproveClaim(ctx, ApproveClaimRequest{ClaimID: reg.Claim.ID, UserID: "user-1"})
	require.ErrorContains(t, err, "disk full")

	claim, err := svc.GetClaim(ctx, reg.Claim.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ClaimPending, claim.Status)
	assert.Empty(t, claim.ClaimedBy)
	assert.Nil(t, claim.ClaimedAt)

	s.failInserts = false
	inst, err := svc.ApproveClaim(ctx, ApproveClaimRequest{ClaimID: reg.Claim.ID, UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, core.InstallationActive, inst.Status)

	_, err = svc.Authenticate(ctx, reg.Credential)
	require.NoError(t, err)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	inst, credential := env.onboard(t, "user-1")

	tests := []struct {
		name       string
		credential string
	}{
		{"malformed", "Bearer nope"},
		{"unknown installation", FormatCredential("does-not-exist", "secret")},
		{"wrong secret", FormatCredential(inst.ID, "wrong")},
		{"truncated secret", credential[:len(credential)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Authenticate(ctx, tt.credential)
			require.ErrorIs(t, err, core.ErrUnauthorized)
		})
	}

	_, err := env.svc.Revoke(ctx, inst.ID, "user-1", "compromised")
	require.NoError(t, err)
	_, err = env.svc.Authenticate(ctx, credential)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	entries, err := env.chain.List(ctx, core.AuditFilter{SubjectID: inst.ID, Event: core.EventEnforcementUnauthorized})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRotateSecret(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	inst, oldCredential := env.onboard(t, "user-1")

	_, err := env.svc.RotateSecret(ctx, inst.ID, "user-2")
	require.ErrorIs(t, err, core.ErrNotFound)

	env.now = env.now.Add(time.Minute)
	newCredential, err := env.svc.RotateSecret(ctx, inst.ID, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, oldCredential, newCredential)

	_, err = env.svc.Authenticate(ctx, oldCredential)
	require.ErrorIs(t, err, core.ErrUnauthorized)
	got, err := env.svc.Authenticate(ctx, newCredential)
	require.NoError(t, err)
	require.NotNil(t, got.LastTokenIssuedAt)
	assert.Equal(t, env.now, *got.LastTokenIssuedAt)
}

func TestUpdatePolicyAndRevoke(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	inst, _ := env.onboard(t, "user-1")

	policy := core.Policy{DailyApplyLimit: 5, AllowedCategories: []string{"devtools"}}
	updated, err := env.svc.UpdatePolicy(ctx, inst.ID, "user-1", policy)
	require.NoError(t, err)
	if diff := cmp.Diff(policy, updated.Policy); diff != "" {
		t.Errorf("policy mismatch (-want +got):\n%s", diff)
	}

	_, err = env.svc.UpdatePolicy(ctx, inst.ID, "user-1", core.Policy{DailyApplyLimit: -1})
	require.ErrorIs(t, err, core.ErrInvalidRequest)

	revoked, err := env.svc.Revoke(ctx, inst.ID, "user-1", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, core.InstallationRevoked, revoked.Status)
	assert.Equal(t, "no longer needed", revoked.RevokedReason)
	require.NotNil(t, revoked.RevokedAt)

	_, err = env.svc.Revoke(ctx, inst.ID, "user-1", "again")
	require.ErrorIs(t, err, core.ErrInvalidTransition)
	_, err = env.svc.UpdatePolicy(ctx, inst.ID, "user-1", policy)
	require.ErrorIs(t, err, core.ErrInstallationRevoked)

	// revoked installations stay listed
	list, err := env.svc.ListInstallations(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, core.InstallationRevoked, list[0].Status)
}

func TestExpireStaleClaims(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		_, err := env.svc.RegisterAgent(ctx, RegisterRequest{Name: "bot", RequestedScopes: []string{"projects:apply"}})
		require.NoError(t, err)
	}
	env.onboard(t, "user-1")

	env.now = env.now.Add(2 * time.Hour)
	n, err := env.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	expired, err := env.store.ListClaims(ctx, core.ClaimExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 3)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrUnauthorized, http.StatusUnauthorized},
		{core.NewError(core.KindNotApproved, "x"), http.StatusConflict},
		{core.ErrExpired, http.StatusGone},
		{core.ErrPayloadMismatch, http.StatusUnprocessableEntity},
		{core.ErrInstallationRevoked, http.StatusForbidden},
		{core.ErrScopeDenied, http.StatusForbidden},
		{core.ErrCategoryDenied, http.StatusForbidden},
		{core.ErrPolicyDenied, http.StatusForbidden},
		{core.ErrRateLimited, http.StatusTooManyRequests},
		{core.ErrInvalidTransition, http.StatusConflict},
		{core.ErrInvalidPlanMember, http.StatusBadRequest},
		{core.ErrPlanMemberExpired, http.StatusGone},
		{core.ErrNotFound, http.StatusNotFound},
		{NewHTTPError(http.StatusRequestEntityTooLarge, errors.New("too big")), http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.err.Error(), " ", "_"), func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
