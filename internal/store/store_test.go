package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/config"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) core.Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) core.Store {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) core.Store {
			dsn := "file:" + filepath.Join(t.TempDir(), "revclaw.db")
			s, err := OpenSQL(context.Background(), DialectSQLite, dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s core.Store)) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func newIntent(id, installationID, key string, expiresAt time.Time) *core.Intent {
	return &core.Intent{
		ID:             id,
		InstallationID: installationID,
		ActionKind:     core.ActionPublishProject,
		Category:       "devtools",
		PayloadHash:    "hash-" + id,
		Payload:        []byte(`{"project_id":"p1"}`),
		Status:         core.IntentPending,
		IdempotencyKey: key,
		TokenHash:      "token-" + id,
		CreatedAt:      t0,
		ExpiresAt:      expiresAt,
	}
}

func TestStore_Installations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		inst := &core.Installation{
			ID:         "inst-1",
			UserID:     "user-1",
			Name:       "growth-bot",
			ClaimID:    "claim-1",
			Status:     core.InstallationActive,
			Scopes:     []string{"projects:publish"},
			Policy:     core.Policy{DailyApplyLimit: 5, AllowedCategories: []string{"devtools"}},
			SecretHash: "$2a$04$hash",
			CreatedAt:  t0,
		}
		require.NoError(t, s.CreateInstallation(ctx, inst))
		assert.ErrorIs(t, s.CreateInstallation(ctx, inst), core.ErrConflict)

		got, err := s.GetInstallation(ctx, "inst-1")
		require.NoError(t, err)
		if diff := cmp.Diff(inst, got); diff != "" {
			t.Errorf("installation mismatch (-want +got):\n%s", diff)
		}

		_, err = s.GetInstallation(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrNotFound)

		revokedAt := t0.Add(time.Hour)
		updated, err := s.CompareAndSwapInstallation(ctx, "inst-1", core.InstallationActive, func(i *core.Installation) {
			i.Status = core.InstallationRevoked
			i.RevokedAt = &revokedAt
			i.RevokedReason = "compromised"
		})
		require.NoError(t, err)
		assert.Equal(t, core.InstallationRevoked, updated.Status)

		// the second revocation lost the race
		current, err := s.CompareAndSwapInstallation(ctx, "inst-1", core.InstallationActive, func(i *core.Installation) {
			t.Error("mutate must not run on status mismatch")
		})
		assert.ErrorIs(t, err, core.ErrConflict)
		require.NotNil(t, current)
		assert.Equal(t, "compromised", current.RevokedReason)

		list, err := s.ListInstallations(ctx, "user-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
		list, err = s.ListInstallations(ctx, "user-2")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestStore_IntentIdempotencySlot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		expires := t0.Add(15 * time.Minute)

		first, created, err := s.CreateIntent(ctx, newIntent("i-1", "inst-1", "k", expires), t0)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "i-1", first.ID)

		// a live holder is returned instead of inserting
		holder, created, err := s.CreateIntent(ctx, newIntent("i-2", "inst-1", "k", expires), t0.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "i-1", holder.ID)

		// same key, other installation
		_, created, err = s.CreateIntent(ctx, newIntent("i-3", "inst-2", "k", expires), t0)
		require.NoError(t, err)
		assert.True(t, created)

		// an expired holder gives up the slot
		_, created, err = s.CreateIntent(ctx, newIntent("i-4", "inst-1", "k", expires.Add(time.Hour)), expires)
		require.NoError(t, err)
		assert.True(t, created)

		found, err := s.FindIntentByIdempotencyKey(ctx, "inst-1", "k")
		require.NoError(t, err)
		assert.Equal(t, "i-4", found.ID)

		byToken, err := s.FindIntentByTokenHash(ctx, "token-i-1")
		require.NoError(t, err)
		assert.Equal(t, "i-1", byToken.ID)
		assert.JSONEq(t, `{"project_id":"p1"}`, string(byToken.Payload))

		_, err = s.FindIntentByTokenHash(ctx, "token-unknown")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestStore_IntentTransitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		_, _, err := s.CreateIntent(ctx, newIntent("i-1", "inst-1", "a", t0.Add(time.Hour)), t0)
		require.NoError(t, err)
		_, _, err = s.CreateIntent(ctx, newIntent("i-2", "inst-1", "b", t0.Add(2*time.Hour)), t0)
		require.NoError(t, err)

		decided := t0.Add(time.Minute)
		approved, err := s.CompareAndSwapIntent(ctx, "i-1", core.IntentPending, func(i *core.Intent) {
			i.Status = core.IntentApproved
			i.DecidedAt = &decided
			i.DecidedBy = "user-1"
		})
		require.NoError(t, err)
		assert.Equal(t, core.IntentApproved, approved.Status)

		consumed := t0.Add(2 * time.Minute)
		_, err = s.CompareAndSwapIntent(ctx, "i-1", core.IntentApproved, func(i *core.Intent) {
			i.Status = core.IntentConsumed
			i.ConsumedAt = &consumed
		})
		require.NoError(t, err)

		// consumption happens once
		current, err := s.CompareAndSwapIntent(ctx, "i-1", core.IntentApproved, func(i *core.Intent) {
			i.Status = core.IntentConsumed
		})
		assert.ErrorIs(t, err, core.ErrConflict)
		assert.Equal(t, core.IntentConsumed, current.Status)
		require.NotNil(t, current.ConsumedAt)
		assert.True(t, consumed.Equal(*current.ConsumedAt))

		tests := []struct {
			name   string
			filter core.IntentFilter
			want   []string
		}{
			{"all", core.IntentFilter{}, []string{"i-1", "i-2"}},
			{"by status", core.IntentFilter{Statuses: []core.IntentStatus{core.IntentPending}}, []string{"i-2"}},
			{"by installation", core.IntentFilter{InstallationIDs: []string{"inst-2"}}, nil},
			{"expiring", core.IntentFilter{ExpiresBefore: t0.Add(time.Hour)}, []string{"i-1"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListIntents(ctx, tt.filter)
				require.NoError(t, err)
				var ids []string
				for _, i := range got {
					ids = append(ids, i.ID)
				}
				assert.ElementsMatch(t, tt.want, ids)
			})
		}

		limited, err := s.ListIntents(ctx, core.IntentFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestStore_Plans(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		plan := &core.Plan{
			ID:             "plan-1",
			InstallationID: "inst-1",
			IntentIDs:      []string{"i-2", "i-1"},
			PlanHash:       "abc",
			Status:         core.PlanPending,
			CreatedAt:      t0,
			ExpiresAt:      t0.Add(time.Hour),
		}
		require.NoError(t, s.CreatePlan(ctx, plan))

		got, err := s.GetPlan(ctx, "plan-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"i-2", "i-1"}, got.IntentIDs)

		executedAt := t0.Add(time.Minute)
		_, err = s.CompareAndSwapPlan(ctx, "plan-1", core.PlanPending, func(p *core.Plan) {
			p.Status = core.PlanExecuted
			p.ExecutedAt = &executedAt
			p.ExecutedBy = "inst-1"
			p.ExecuteIntentID = "i-9"
		})
		require.NoError(t, err)

		_, err = s.CompareAndSwapPlan(ctx, "plan-1", core.PlanApproved, func(*core.Plan) {})
		assert.ErrorIs(t, err, core.ErrConflict)

		list, err := s.ListPlans(ctx, core.PlanFilter{Statuses: []core.PlanStatus{core.PlanExecuted}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "i-9", list[0].ExecuteIntentID)

		_, err = s.GetPlan(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestStore_DailyCounter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		for i := range 3 {
			ok, err := s.IncrementDailyCounter(ctx, "inst-1", "2026-03-01", 3)
			require.NoError(t, err)
			assert.True(t, ok, "increment %d", i+1)
		}
		ok, err := s.IncrementDailyCounter(ctx, "inst-1", "2026-03-01", 3)
		require.NoError(t, err)
		assert.False(t, ok, "limit reached")

		// a new day has a fresh budget
		ok, err = s.IncrementDailyCounter(ctx, "inst-1", "2026-03-02", 3)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.IncrementDailyCounter(ctx, "inst-1", "2026-03-03", 0)
		require.NoError(t, err)
		assert.False(t, ok, "zero limit never increments")
	})
}

func TestStore_AuditAppend(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()
		for i := range 3 {
			_, err := s.AppendAudit(ctx, func(last *core.AuditEntry) (*core.AuditEntry, error) {
				var seq uint64
				prev := ""
				if last != nil {
					seq = last.Sequence
					prev = last.EntryHash
				}
				if i == 0 {
					assert.Nil(t, last)
				}
				return &core.AuditEntry{
					ID:           "e" + string(rune('a'+i)),
					Sequence:     seq + 1,
					Time:         t0.Add(time.Duration(i) * time.Second),
					SubjectType:  core.SubjectIntent,
					SubjectID:    "i-1",
					Event:        core.EventIntentCreated,
					ActorType:    core.ActorAgent,
					ActorID:      "inst-1",
					Metadata:     map[string]string{"n": string(rune('0' + i))},
					PreviousHash: prev,
					EntryHash:    "h" + string(rune('0'+i)),
				}, nil
			})
			require.NoError(t, err)
		}

		entries, err := s.ListAudit(ctx, core.AuditFilter{AfterSequence: 1})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, uint64(2), entries[0].Sequence)
		assert.Equal(t, "h0", entries[0].PreviousHash)
		assert.Equal(t, map[string]string{"n": "1"}, entries[0].Metadata)

		entries, err = s.ListAudit(ctx, core.AuditFilter{Event: core.EventIntentDenied})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		store   config.StoreConfig
		counter config.CounterConfig
		wantErr bool
	}{
		{name: "memory default", store: config.StoreConfig{}, counter: config.CounterConfig{}},
		{
			name:  "sqlite",
			store: config.StoreConfig{Type: "sqlite", Config: map[string]any{"dsn": "file:" + filepath.Join(t.TempDir(), "b.db")}},
		},
		{name: "sqlite without dsn", store: config.StoreConfig{Type: "sqlite"}, wantErr: true},
		{name: "unknown option", store: config.StoreConfig{Type: "sqlite", Config: map[string]any{"path": "x"}}, wantErr: true},
		{name: "unknown store", store: config.StoreConfig{Type: "mongo"}, wantErr: true},
		{name: "redis without addr", counter: config.CounterConfig{Type: "redis"}, wantErr: true},
		{
			name:    "redis counter",
			counter: config.CounterConfig{Type: "redis", Config: map[string]any{"addr": "127.0.0.1:6379", "prefix": "test"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Build(context.Background(), tt.store, tt.counter)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}
