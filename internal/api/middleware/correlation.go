package middleware

import (
	"context"
	"net/http"

	"github.com/rs/xid"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"

	// correlationIDKey is shared with the presenter, which reads it without
	// importing this package.
	correlationIDKey = "correlation_id"

	maxCorrelationIDLength = 64
)

// CorrelationCtx retrieves the correlation ID from the context.
func CorrelationCtx(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// Correlation propagates the caller's correlation ID or assigns a new one.
// Oversized IDs are replaced so they cannot bloat logs and audit metadata.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" || len(id) > maxCorrelationIDLength {
			id = xid.New().String()
		}
		w.Header().Set(CorrelationIDHeader, id)

		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
