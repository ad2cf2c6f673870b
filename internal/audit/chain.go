// Package audit maintains the hash chained audit log of authorization decisions.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/crypto"
	"github.com/TD-Producoes/revshare-sub005/internal/metrics"
)

var _ core.AuditLog = (*Chain)(nil)

// Chain appends entries to one process-wide chain. Each entry's hash covers the
// hash of its predecessor, starting from crypto.GenesisHash.
type Chain struct {
	store  core.AuditStore
	mirror Mirror
	now    func() time.Time
}

type Option func(*Chain)

// WithMirror copies every appended entry to m.
func WithMirror(m Mirror) Option {
	return func(c *Chain) {
		c.mirror = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

func NewChain(store core.AuditStore, opts ...Option) *Chain {
	c := &Chain{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) Record(ctx context.Context, rec core.AuditRecord) (*core.AuditEntry, error) {
	entry, err := c.store.AppendAudit(ctx, func(last *core.AuditEntry) (*core.AuditEntry, error) {
		seq := uint64(1)
		prev := crypto.GenesisHash
		if last != nil {
			seq = last.Sequence + 1
			prev = last.EntryHash
		}

		e := core.AuditEntry{
			ID:           uuid.NewString(),
			Sequence:     seq,
			Time:         c.now().UTC(),
			SubjectType:  rec.SubjectType,
			SubjectID:    rec.SubjectID,
			Event:        rec.Event,
			ActorType:    rec.ActorType,
			ActorID:      rec.ActorID,
			PayloadHash:  rec.PayloadHash,
			FailureKind:  rec.FailureKind,
			Metadata:     rec.Metadata,
			PreviousHash: prev,
		}
		hash, err := crypto.ComputeAuditLogHash(prev, e)
		if err != nil {
			return nil, fmt.Errorf("computing entry hash: %w", err)
		}
		e.EntryHash = hash
		return &e, nil
	})
	if err != nil {
		metrics.AuditFailures.Inc()
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}
	metrics.AuditEntries.WithLabelValues(string(entry.Event)).Inc()

	if c.mirror != nil {
		if err := c.mirror.Write(*entry); err != nil {
			// the chain itself is intact, only the export lags behind
			log.Ctx(ctx).Error().Err(err).Uint64("sequence", entry.Sequence).Msg("failed to mirror audit entry")
		}
	}
	return entry, nil
}

func (c *Chain) List(ctx context.Context, filter core.AuditFilter) ([]core.AuditEntry, error) {
	return c.store.ListAudit(ctx, filter)
}

// Verify recomputes the whole stored chain.
func (c *Chain) Verify(ctx context.Context) (*VerifyResult, error) {
	entries, err := c.store.ListAudit(ctx, core.AuditFilter{})
	if err != nil {
		return nil, fmt.Errorf("loading audit chain: %w", err)
	}
	return Verify(entries), nil
}
