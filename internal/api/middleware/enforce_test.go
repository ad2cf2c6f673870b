package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/audit"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/crypto"
	"github.com/TD-Producoes/revshare-sub005/internal/engine"
	"github.com/TD-Producoes/revshare-sub005/internal/store"
)

type stubConsumer struct {
	intent     *core.Intent
	tokenErr   error
	consumeErr error
}

func (s *stubConsumer) GetIntentByToken(context.Context, string) (*core.Intent, error) {
	if s.tokenErr != nil {
		return nil, s.tokenErr
	}
	return s.intent, nil
}

func (s *stubConsumer) ConsumeIntent(context.Context, string, string, engine.Actor) (*core.Intent, error) {
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	consumed := *s.intent
	consumed.Status = core.IntentConsumed
	return &consumed, nil
}

// brokenInstallations fails every installation lookup.
type brokenInstallations struct {
	*store.Memory
}

func (brokenInstallations) GetInstallation(context.Context, string) (*core.Installation, error) {
	return nil, errors.New("connection refused")
}

func TestEnforce_InternalFailuresAreAudited(t *testing.T) {
	ctx := context.Background()

	payload := &core.PublishProjectPayload{ProjectID: "p1", Title: "Acme", ProjectArea: "devtools", RevShareBps: 1000}
	hash, err := crypto.HashPayload(payload)
	require.NoError(t, err)
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	newStore := func(t *testing.T) (*store.Memory, *core.Intent) {
		s := store.NewMemory()
		inst := &core.Installation{ID: "inst-1", UserID: "user-1", Status: core.InstallationActive}
		require.NoError(t, s.CreateInstallation(ctx, inst))
		intent := &core.Intent{
			ID:             "intent-1",
			InstallationID: inst.ID,
			ActionKind:     core.ActionPublishProject,
			PayloadHash:    hash,
			Status:         core.IntentApproved,
		}
		return s, intent
	}

	tests := []struct {
		name        string
		consumer    func(intent *core.Intent) *stubConsumer
		broken      bool
		wantSubject string
		wantHash    string
	}{
		{
			name: "token lookup",
			consumer: func(*core.Intent) *stubConsumer {
				return &stubConsumer{tokenErr: errors.New("connection refused")}
			},
		},
		{
			name:        "installation lookup",
			consumer:    func(i *core.Intent) *stubConsumer { return &stubConsumer{intent: i} },
			broken:      true,
			wantSubject: "intent-1",
		},
		{
			name: "consume",
			consumer: func(i *core.Intent) *stubConsumer {
				return &stubConsumer{intent: i, consumeErr: errors.New("connection refused")}
			},
			wantSubject: "intent-1",
			wantHash:    hash,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, intent := newStore(t)
			chain := audit.NewChain(s)

			var installations core.InstallationStore = s
			if tt.broken {
				installations = brokenInstallations{s}
			}
			enforcer := NewEnforcer(tt.consumer(intent), installations, chain)

			called := false
			h := enforcer.Enforce(core.ActionPublishProject, func(w http.ResponseWriter, r *http.Request, g *Guarded) {
				called = true
			})

			req := httptest.NewRequest(http.MethodPost, "/v1/agent/actions/publish_project", strings.NewReader(string(body)))
			req.Header.Set("Authorization", "Bearer rct_token")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.False(t, called)
			assert.Equal(t, http.StatusInternalServerError, rec.Code)

			entries, err := chain.List(ctx, core.AuditFilter{Event: core.EventEnforcementRejected})
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, core.ErrorKind("status_500"), entries[0].FailureKind)
			assert.Equal(t, tt.wantSubject, entries[0].SubjectID)
			assert.Equal(t, tt.wantHash, entries[0].PayloadHash)
			assert.Equal(t, string(core.ActionPublishProject), entries[0].Metadata["action_kind"])
		})
	}
}
