package api

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/api/presenter"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// handleListAudit returns audit entries ordered by sequence.
// Pagination continues after the last seen sequence via ?after=.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	limit, err := queryLimit(r)
	if err != nil {
		presenter.Err(w, r, err, "invalid query")
		return
	}

	q := r.URL.Query()
	filter := core.AuditFilter{
		SubjectType: core.SubjectType(q.Get("subject_type")),
		SubjectID:   q.Get("subject_id"),
		Event:       core.AuditEvent(q.Get("event")),
		ActorID:     q.Get("actor_id"),
		Limit:       limit,
	}
	if after := q.Get("after"); after != "" {
		seq, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			logger.Warn().Err(err).Str("after", after).Msg("invalid after parameter")
			presenter.Error(w, r, "invalid after parameter", http.StatusBadRequest)
			return
		}
		filter.AfterSequence = seq
	}

	entries, err := s.audit.List(ctx, filter)
	if err != nil {
		logger.Error().Err(err).Msg("failed to retrieve audit entries")
		presenter.Error(w, r, "failed to retrieve audit entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	presenter.JSON(w, r, entries, http.StatusOK)
}

// handleVerifyAudit recomputes the whole chain. A broken chain is reported in
// the body, not as an error status.
func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := s.audit.Verify(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to verify audit chain")
		presenter.Error(w, r, "failed to verify audit chain", http.StatusInternalServerError)
		return
	}
	if !res.Valid {
		log.Ctx(r.Context()).Warn().
			Uint64("broken_at", res.BrokenAt).
			Str("reason", res.Reason).
			Msg("audit chain verification failed")
	}
	presenter.JSON(w, r, res, http.StatusOK)
}
