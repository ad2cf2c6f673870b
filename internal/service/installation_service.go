package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/crypto"
	"github.com/TD-Producoes/revshare-sub005/internal/metrics"
)

// CredentialPrefix marks agent credentials, "rcl_<installation-id>.<secret>".
const CredentialPrefix = "rcl_"

const DefaultClaimTTL = 24 * time.Hour

type Options struct {
	ClaimTTL      time.Duration
	BcryptCost    int
	DefaultPolicy core.Policy

	// PublicURL is the base of the claim links handed to agents.
	PublicURL string

	Clock func() time.Time
}

// InstallationService onboards agents and manages their installations.
type InstallationService struct {
	store core.Store
	audit core.AuditLog
	opts  Options

	dummyOnce sync.Once
	dummyHash string
}

func NewInstallationService(store core.Store, audit core.AuditLog, opts Options) *InstallationService {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &InstallationService{
		store: store,
		audit: audit,
		opts:  opts,
	}
}

// FormatCredential builds the credential an agent authenticates with.
func FormatCredential(installationID, secret string) string {
	return CredentialPrefix + installationID + "." + secret
}

// ParseCredential splits a credential into installation id and secret.
func ParseCredential(credential string) (installationID, secret string, ok bool) {
	rest, found := strings.CutPrefix(credential, CredentialPrefix)
	if !found {
		return "", "", false
	}
	installationID, secret, found = strings.Cut(rest, ".")
	if !found || installationID == "" || secret == "" {
		return "", "", false
	}
	return installationID, secret, true
}

type RegisterRequest struct {
	Name            string   `json:"name"`
	RequestedScopes []string `json:"requested_scopes"`
}

type Registration struct {
	Claim *core.Claim

	// Credential is shown exactly once. It starts working when a human approves the claim.
	Credential string

	// ClaimURL is the link a human follows to approve the agent.
	ClaimURL string
}

// knownScope reports whether scope is required by any action kind.
func knownScope(scope string) bool {
	for _, k := range core.ActionKinds {
		if k.Scope() == scope {
			return true
		}
	}
	return false
}

// RegisterAgent opens an onboarding claim. The secret is hashed before it is
// stored and the installation id is reserved so the credential can be handed
// out right away.
func (s *InstallationService) RegisterAgent(ctx context.Context, req RegisterRequest) (*Registration, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, core.NewError(core.KindInvalidRequest, "name is required")
	}
	if len(req.RequestedScopes) == 0 {
		return nil, core.NewError(core.KindInvalidRequest, "at least one scope must be requested")
	}
	for _, scope := range req.RequestedScopes {
		if !knownScope(scope) {
			return nil, core.NewError(core.KindInvalidRequest, "unknown scope '%s'", scope)
		}
	}

	secret, err := crypto.GenerateSecret()
	if err != nil {
		return nil, err
	}
	secretHash, err := crypto.HashAgentSecret(secret, s.opts.BcryptCost)
	if err != nil {
		return nil, err
	}

	now := s.opts.Clock()
	scopes := slices.Clone(req.RequestedScopes)
	slices.Sort(scopes)

	claim := &core.Claim{
		ID:              crypto.GenerateClaimID(),
		Name:            name,
		RequestedScopes: slices.Compact(scopes),
		SecretHash:      secretHash,
		Status:          core.ClaimPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.opts.ClaimTTL),
		InstallationID:  uuid.NewString(),
	}
	if err := s.store.CreateClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("storing claim: %w", err)
	}

	s.record(ctx, core.AuditRecord{
		SubjectType: core.SubjectClaim,
		SubjectID:   claim.ID,
		Event:       core.EventClaimRegistered,
		ActorType:   core.ActorAgent,
		ActorID:     claim.InstallationID,
		Metadata: map[string]string{
			"name":   claim.Name,
			"scopes": strings.Join(claim.RequestedScopes, ","),
		},
	})
	log.Ctx(ctx).Info().Str("claim_id", claim.ID).Str("name", claim.Name).Msg("agent registered")

	return &Registration{
		Claim:      claim,
		Credential: FormatCredential(claim.InstallationID, secret),
		ClaimURL:   s.claimURL(claim.ID),
	}, nil
}

func (s *InstallationService) claimURL(claimID string) string {
	base := strings.TrimSuffix(s.opts.PublicURL, "/")
	return base + "/revclaw/claim/" + claimID
}

// GetClaim returns a claim with lazy expiry applied.
func (s *InstallationService) GetClaim(ctx context.Context, claimID string) (*core.Claim, error) {
	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.Status == core.ClaimPending && !s.opts.Clock().Before(claim.ExpiresAt) {
		claim.Status = core.ClaimExpired
	}
	return claim, nil
}

type ApproveClaimRequest struct {
	ClaimID string
	UserID  string

	// Policy overrides the configured default policy.
	Policy *core.Policy
}

// ApproveClaim binds the agent behind a pending claim to userID. A claim can be
// approved once.
func (s *InstallationService) ApproveClaim(ctx context.Context, req ApproveClaimRequest) (*core.Installation, error) {
	if req.UserID == "" {
		return nil, core.NewError(core.KindUnauthorized, "no user")
	}
	claim, err := s.store.GetClaim(ctx, req.ClaimID)
	if err != nil {
		return nil, err
	}

	now := s.opts.Clock()
	if claim.Status == core.ClaimPending && !now.Before(claim.ExpiresAt) {
		s.expireClaim(ctx, claim)
		return nil, core.NewError(core.KindExpired, "claim '%s' expired", claim.ID)
	}
	if claim.Status != core.ClaimPending {
		return nil, core.NewError(core.KindInvalidTransition, "claim '%s' is %s", claim.ID, claim.Status)
	}

	policy := s.opts.DefaultPolicy
	if req.Policy != nil {
		policy = *req.Policy
	}
	if policy.DailyApplyLimit < 0 {
		return nil, core.NewError(core.KindInvalidRequest, "daily_apply_limit must not be negative")
	}

	claimed, err := s.store.CompareAndSwapClaim(ctx, claim.ID, core.ClaimPending, func(c *core.Claim) {
		c.Status = core.ClaimClaimed
		c.ClaimedBy = req.UserID
		c.ClaimedAt = &now
	})
	if err != nil {
		if core.KindOf(err) == core.KindConflict {
			return nil, core.NewError(core.KindInvalidTransition, "claim '%s' is %s", claimed.ID, claimed.Status)
		}
		return nil, err
	}

	inst := &core.Installation{
		ID:      claimed.InstallationID,
		UserID:  req.UserID,
		Name:    claimed.Name,
		ClaimID: claimed.ID,
		Status:  core.InstallationActive,
		Scopes:  slices.Clone(claimed.RequestedScopes),
		Policy:  policy,
		// the secret issued at registration becomes the installation secret
		SecretHash:        claimed.SecretHash,
		CreatedAt:         now,
		LastTokenIssuedAt: &now,
	}
	if err := s.store.CreateInstallation(ctx, inst); err != nil {
		// hand the claim back so the agent can still be onboarded
		if _, rerr := s.store.CompareAndSwapClaim(ctx, claimed.ID, core.ClaimClaimed, func(c *core.Claim) {
			c.Status = core.ClaimPending
			c.ClaimedBy = ""
			c.ClaimedAt = nil
		}); rerr != nil {
			log.Ctx(ctx).Error().Err(rerr).Str("claim_id", claimed.ID).Msg("failed to release claim")
		}
		return nil, fmt.Errorf("creating installation: %w", err)
	}

	s.record(ctx, core.AuditRecord{
		SubjectType: core.SubjectInstallation,
		SubjectID:   inst.ID,
		Event:       core.EventInstallationClaimed,
		ActorType:   core.ActorHuman,
		ActorID:     req.UserID,
		Metadata:    map[string]string{"claim_id": claimed.ID},
	})
	log.Ctx(ctx).Info().
		Str("installation_id", inst.ID).
		Str("user_id", req.UserID).
		Msg("claim approved")
	return inst, nil
}

// Authenticate resolves an agent credential to its active installation.
// Every failure is reported as Unauthorized.
func (s *InstallationService) Authenticate(ctx context.Context, credential string) (*core.Installation, error) {
	unauthorized := core.NewError(core.KindUnauthorized, "invalid agent credential")

	id, secret, ok := ParseCredential(credential)
	if !ok {
		return nil, unauthorized
	}
	inst, err := s.store.GetInstallation(ctx, id)
	if err != nil {
		if core.KindOf(err) != core.KindNotFound {
			return nil, err
		}
		// keep the timing of unknown ids close to the timing of wrong secrets
		crypto.VerifyAgentSecret(secret, s.placeholderHash())
		return nil, unauthorized
	}

	if !crypto.VerifyAgentSecret(secret, inst.SecretHash) {
		s.record(ctx, core.AuditRecord{
			SubjectType: core.SubjectInstallation,
			SubjectID:   inst.ID,
			Event:       core.EventEnforcementUnauthorized,
			ActorType:   core.ActorAgent,
			ActorID:     inst.ID,
			FailureKind: core.KindUnauthorized,
			Metadata:    map[string]string{"reason": "secret mismatch"},
		})
		return nil, unauthorized
	}
	if !inst.IsActive() {
		s.record(ctx, core.AuditRecord{
			SubjectType: core.SubjectInstallation,
			SubjectID:   inst.ID,
			Event:       core.EventEnforcementUnauthorized,
			ActorType:   core.ActorAgent,
			ActorID:     inst.ID,
			FailureKind: core.KindUnauthorized,
			Metadata:    map[string]string{"reason": "installation revoked"},
		})
		return nil, unauthorized
	}

	log.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("installation_id", inst.ID)
	})
	return inst, nil
}

func (s *InstallationService) placeholderHash() string {
	s.dummyOnce.Do(func() {
		h, err := crypto.HashAgentSecret("placeholder", s.opts.BcryptCost)
		if err == nil {
			s.dummyHash = h
		}
	})
	return s.dummyHash
}

// GetInstallation returns an installation owned by userID.
func (s *InstallationService) GetInstallation(ctx context.Context, installationID, userID string) (*core.Installation, error) {
	inst, err := s.store.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, err
	}
	if inst.UserID != userID {
		return nil, core.NewError(core.KindNotFound, "installation '%s' not found", installationID)
	}
	return inst, nil
}

// ListInstallations lists the installations of userID, or all if userID is empty.
func (s *InstallationService) ListInstallations(ctx context.Context, userID string) ([]core.Installation, error) {
	return s.store.ListInstallations(ctx, userID)
}

// InstallationIDs lists the ids of the installations userID owns.
func (s *InstallationService) InstallationIDs(ctx context.Context, userID string) ([]string, error) {
	list, err := s.store.ListInstallations(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, inst := range list {
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

// mutateActive applies mutate to an active installation owned by userID.
func (s *InstallationService) mutateActive(
	ctx context.Context,
	installationID, userID string,
	mutate func(*core.Installation),
) (*core.Installation, error) {
	if _, err := s.GetInstallation(ctx, installationID, userID); err != nil {
		return nil, err
	}
	updated, err := s.store.CompareAndSwapInstallation(ctx, installationID, core.InstallationActive, mutate)
	if err != nil {
		if core.KindOf(err) == core.KindConflict {
			return nil, core.NewError(core.KindInstallationRevoked, "installation '%s' is revoked", installationID)
		}
		return nil, err
	}
	return updated, nil
}

// RotateSecret replaces the agent secret and returns the new credential.
// The old credential stops working immediately.
func (s *InstallationService) RotateSecret(ctx context.Context, installationID, userID string) (string, error) {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return "", err
	}
	hash, err := crypto.HashAgentSecret(secret, s.opts.BcryptCost)
	if err != nil {
		return "", err
	}

	now := s.opts.Clock()
	inst, err := s.mutateActive(ctx, installationID, userID, func(i *core.Installation) {
		i.SecretHash = hash
		i.LastTokenIssuedAt = &now
	})
	if err != nil {
		return "", err
	}

	s.record(ctx, core.AuditRecord{
		SubjectType: core.SubjectInstallation,
		SubjectID:   inst.ID,
		Event:       core.EventInstallationRotated,
		ActorType:   core.ActorHuman,
		ActorID:     userID,
	})
	return FormatCredential(inst.ID, secret), nil
}

// UpdatePolicy replaces the policy of an active installation.
func (s *InstallationService) UpdatePolicy(ctx context.Context, installationID, userID string, policy core.Policy) (*core.Installation, error) {
	if policy.DailyApplyLimit < 0 {
		return nil, core.NewError(core.KindInvalidRequest, "daily_apply_limit must not be negative")
	}
	inst, err := s.mutateActive(ctx, installationID, userID, func(i *core.Installation) {
		i.Policy = policy
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, core.AuditRecord{
		SubjectType: core.SubjectInstallation,
		SubjectID:   inst.ID,
		Event:       core.EventInstallationPolicyUpdate,
		ActorType:   core.ActorHuman,
		ActorID:     userID,
		Metadata: map[string]string{
			"require_approval_for_publish": fmt.Sprint(policy.RequireApprovalForPublish),
			"require_approval_for_apply":   fmt.Sprint(policy.RequireApprovalForApply),
			"daily_apply_limit":            fmt.Sprint(policy.DailyApplyLimit),
			"allowed_categories":           strings.Join(policy.AllowedCategories, ","),
		},
	})
	return inst, nil
}

// Revoke permanently disables an installation. Installations are never deleted.
func (s *InstallationService) Revoke(ctx context.Context, installationID, userID, reason string) (*core.Installation, error) {
	if _, err := s.GetInstallation(ctx, installationID, userID); err != nil {
		return nil, err
	}

	now := s.opts.Clock()
	inst, err := s.store.CompareAndSwapInstallation(ctx, installationID, core.InstallationActive, func(i *core.Installation) {
		i.Status = core.InstallationRevoked
		i.RevokedAt = &now
		i.RevokedReason = reason
	})
	if err != nil {
		if core.KindOf(err) == core.KindConflict {
			return nil, core.NewError(core.KindInvalidTransition, "installation '%s' is already revoked", installationID)
		}
		return nil, err
	}

	s.record(ctx, core.AuditRecord{
		SubjectType: core.SubjectInstallation,
		SubjectID:   inst.ID,
		Event:       core.EventInstallationRevoked,
		ActorType:   core.ActorHuman,
		ActorID:     userID,
		Metadata:    map[string]string{"reason": reason},
	})
	log.Ctx(ctx).Info().Str("installation_id", inst.ID).Str("reason", reason).Msg("installation revoked")
	return inst, nil
}

func (s *InstallationService) expireClaim(ctx context.Context, claim *core.Claim) bool {
	_, err := s.store.CompareAndSwapClaim(ctx, claim.ID, core.ClaimPending, func(c *core.Claim) {
		c.Status = core.ClaimExpired
	})
	if err != nil {
		if core.KindOf(err) != core.KindConflict {
			log.Ctx(ctx).Error().Err(err).Str("claim_id", claim.ID).Msg("failed to expire claim")
		}
		return false
	}
	metrics.Expired.WithLabelValues(string(core.SubjectClaim)).Inc()
	return true
}

// ExpireStale flips every lapsed pending claim to expired.
func (s *InstallationService) ExpireStale(ctx context.Context) (int, error) {
	pending, err := s.store.ListClaims(ctx, core.ClaimPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending claims: %w", err)
	}
	now := s.opts.Clock()
	n := 0
	for i := range pending {
		if now.Before(pending[i].ExpiresAt) {
			continue
		}
		if s.expireClaim(ctx, &pending[i]) {
			n++
		}
	}
	return n, nil
}

func (s *InstallationService) record(ctx context.Context, rec core.AuditRecord) {
	if _, err := s.audit.Record(ctx, rec); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("event", string(rec.Event)).Msg("failed to write audit log entry")
	}
}
