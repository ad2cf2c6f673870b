// Package actions holds the executors behind guarded agent actions.
package actions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// MaxRecords is the number of executed actions a Recorder keeps.
const MaxRecords = 1000

// Record is one executed action.
type Record struct {
	ID             string          `json:"id"`
	InstallationID string          `json:"installation_id"`
	IntentID       string          `json:"intent_id"`
	Kind           core.ActionKind `json:"kind"`
	PayloadHash    string          `json:"payload_hash"`
	Payload        core.Payload    `json:"payload"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// Result is returned to the agent after a successful action.
type Result struct {
	ActionID   string    `json:"action_id"`
	Status     string    `json:"status"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Recorder accepts every guarded action and remembers it. It stands in for the
// marketplace side effects, which live outside this service.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	now     func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

func (r *Recorder) Execute(ctx context.Context, inst *core.Installation, intent *core.Intent, payload core.Payload) (json.RawMessage, error) {
	rec := Record{
		ID:             uuid.NewString(),
		InstallationID: inst.ID,
		IntentID:       intent.ID,
		Kind:           payload.Kind(),
		PayloadHash:    intent.PayloadHash,
		Payload:        payload,
		ExecutedAt:     r.now().UTC(),
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	if len(r.records) > MaxRecords {
		r.records = r.records[len(r.records)-MaxRecords:]
	}
	r.mu.Unlock()

	log.Ctx(ctx).Info().
		Str("action_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Msg("action executed")

	return json.Marshal(Result{
		ActionID:   rec.ID,
		Status:     "accepted",
		ExecutedAt: rec.ExecutedAt,
	})
}

// Records returns the remembered actions, oldest first.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
