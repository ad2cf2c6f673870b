package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var _ core.Store = (*Memory)(nil)

// Memory is a mutex guarded store for tests and single-process deployments.
type Memory struct {
	mu sync.RWMutex

	installations map[string]core.Installation
	claims        map[string]core.Claim
	intents       map[string]core.Intent
	plans         map[string]core.Plan

	// idempotency slots keyed by installation id + "\x00" + key
	slots  map[string]string
	tokens map[string]string

	counters map[string]int
	audit    []core.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		installations: make(map[string]core.Installation),
		claims:        make(map[string]core.Claim),
		intents:       make(map[string]core.Intent),
		plans:         make(map[string]core.Plan),
		slots:         make(map[string]string),
		tokens:        make(map[string]string),
		counters:      make(map[string]int),
		audit:         make([]core.AuditEntry, 0),
	}
}

func slotKey(installationID, key string) string {
	return installationID + "\x00" + key
}

func (m *Memory) Close() error {
	return nil // nothing to close :)
}

// installations

func (m *Memory) CreateInstallation(_ context.Context, inst *core.Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.installations[inst.ID]; exists {
		return core.NewError(core.KindConflict, "installation '%s' already exists", inst.ID)
	}
	m.installations[inst.ID] = cloneInstallation(*inst)
	return nil
}

func (m *Memory) GetInstallation(_ context.Context, id string) (*core.Installation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.installations[id]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "installation '%s' not found", id)
	}
	out := cloneInstallation(inst)
	return &out, nil
}

func (m *Memory) ListInstallations(_ context.Context, userID string) ([]core.Installation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.Installation, 0)
	for _, inst := range m.installations {
		if userID != "" && inst.UserID != userID {
			continue
		}
		out = append(out, cloneInstallation(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CompareAndSwapInstallation(
	_ context.Context,
	id string,
	expected core.InstallationStatus,
	mutate func(*core.Installation),
) (*core.Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.installations[id]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "installation '%s' not found", id)
	}
	if inst.Status != expected {
		out := cloneInstallation(inst)
		return &out, core.ErrConflict
	}
	next := cloneInstallation(inst)
	mutate(&next)
	m.installations[id] = next
	out := cloneInstallation(next)
	return &out, nil
}

// claims

func (m *Memory) CreateClaim(_ context.Context, claim *core.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.claims[claim.ID]; exists {
		return core.NewError(core.KindConflict, "claim '%s' already exists", claim.ID)
	}
	m.claims[claim.ID] = cloneClaim(*claim)
	return nil
}

func (m *Memory) GetClaim(_ context.Context, id string) (*core.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	claim, ok := m.claims[id]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "claim '%s' not found", id)
	}
	out := cloneClaim(claim)
	return &out, nil
}

func (m *Memory) ListClaims(_ context.Context, status core.ClaimStatus) ([]core.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.Claim, 0)
	for _, c := range m.claims {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, cloneClaim(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CompareAndSwapClaim(
	_ context.Context,
	id string,
	expected core.ClaimStatus,
	mutate func(*core.Claim),
) (*core.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, ok := m.claims[id]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "claim '%s' not found", id)
	}
	if claim.Status != expected {
		out := cloneClaim(claim)
		return &out, core.ErrConflict
	}
	next := cloneClaim(claim)
	mutate(&next)
	m.claims[id] = next
	out := cloneClaim(next)
	return &out, nil
}

// intents

func (m *Memory) CreateIntent(_ context.Context, intent *core.Intent, now time.Time) (*core.Intent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.intents[intent.ID]; exists {
		return nil, false, core.NewError(core.KindConflict, "intent '%s' already exists", intent.ID)
	}

	key := slotKey(intent.InstallationID, intent.IdempotencyKey)
	if holderID, ok := m.slots[key]; ok {
		holder := m.intents[holderID]
		if now.Before(holder.ExpiresAt) {
			out := cloneIntent(holder)
			return &out, false, nil
		}
	}

	stored := cloneIntent(*intent)
	m.intents[stored.ID] = stored
	m.slots[key] = stored.ID
	if stored.TokenHash != "" {
		m.tokens[stored.TokenHash] = stored.ID
	}
	out := cloneIntent(stored)
	return &out, true, nil
}

func (m *Memory) GetIntent(_ context.Context, id string) (*core.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[id]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "intent '%s' not found", id)
	}
	out := cloneIntent(intent)
	return &out, nil
}

func (m *Memory) FindIntentByIdempotencyKey(_ context.Context, installationID, key string) (*core.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.slots[slotKey(installationID, key)]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "no intent for idempotency key")
	}
	out := cloneIntent(m.intents[id])
	return &out, nil
}

func (m *Memory) FindIntentByTokenHash(_ context.Context, tokenHash string) (*core.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.tokens[tokenHash]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "no intent for token")
	}
	out := cloneIntent(m.intents[id])
	return &out, nil
}

func (m *Memory) ListIntents(_ context.Context, filter core.IntentFilter) ([]core.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.Intent, 0)
	for _, intent := range m.intents {
		if !matchIntent(filter, &intent) {
			continue
		}
		out = append(out, cloneIntent(intent))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchIntent(f core.IntentFilter, i *core.Intent) bool {
	if len(f.InstallationIDs) > 0 && !slices.Contains(f.InstallationIDs, i.InstallationID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, i.Status) {
		return false
	}
	if f.ActionKind != "" && i.ActionKind != f.ActionKind {
		return false
	}
	if !f.ExpiresBefore.IsZero() && i.ExpiresAt.After(f.ExpiresBefore) {
		return false
	}
	return true
}

func (m *Memory) CompareAndSwapIntent(
	_ context.Context,
	id string,
	expected core.IntentStatus,
	mutate func(*core.Intent),
) (*core.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "intent '%s' not found", id)
	}
	if intent.Status != expected {
		out := cloneIntent(intent)
		return &out, core.ErrConflict
	}
	next := cloneIntent(intent)
	mutate(&next)
	m.intents[id] = next
	out := cloneIntent(next)
	return &out, nil
}

// plans

func (m *Memory) CreatePlan(_ context.Context, plan *core.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plans[plan.ID]; exists {
		return core.NewError(core.KindConflict, "plan '%s' already exists", plan.ID)
	}
	m.plans[plan.ID] = clonePlan(*plan)
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id string) (*core.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan, ok := m.plans[id]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "plan '%s' not found", id)
	}
	out := clonePlan(plan)
	return &out, nil
}

func (m *Memory) ListPlans(_ context.Context, filter core.PlanFilter) ([]core.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.Plan, 0)
	for _, p := range m.plans {
		if len(filter.InstallationIDs) > 0 && !slices.Contains(filter.InstallationIDs, p.InstallationID) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, p.Status) {
			continue
		}
		if !filter.ExpiresBefore.IsZero() && p.ExpiresAt.After(filter.ExpiresBefore) {
			continue
		}
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) CompareAndSwapPlan(
	_ context.Context,
	id string,
	expected core.PlanStatus,
	mutate func(*core.Plan),
) (*core.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[id]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "plan '%s' not found", id)
	}
	if plan.Status != expected {
		out := clonePlan(plan)
		return &out, core.ErrConflict
	}
	next := clonePlan(plan)
	mutate(&next)
	m.plans[id] = next
	out := clonePlan(next)
	return &out, nil
}

// counters

func (m *Memory) IncrementDailyCounter(_ context.Context, installationID, day string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := installationID + "/" + day
	if m.counters[key] >= limit {
		return false, nil
	}
	m.counters[key]++
	return true, nil
}

// audit

func (m *Memory) AppendAudit(
	_ context.Context,
	build func(last *core.AuditEntry) (*core.AuditEntry, error),
) (*core.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *core.AuditEntry
	if n := len(m.audit); n > 0 {
		cpy := cloneAudit(m.audit[n-1])
		last = &cpy
	}
	entry, err := build(last)
	if err != nil {
		return nil, err
	}
	m.audit = append(m.audit, cloneAudit(*entry))
	out := cloneAudit(*entry)
	return &out, nil
}

func (m *Memory) ListAudit(_ context.Context, filter core.AuditFilter) ([]core.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.AuditEntry, 0)
	for i := range m.audit {
		if !filter.Matches(&m.audit[i]) {
			continue
		}
		out = append(out, cloneAudit(m.audit[i]))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
