package store

import (
	"maps"
	"slices"
	"time"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInstallation(in core.Installation) core.Installation {
	in.Scopes = slices.Clone(in.Scopes)
	in.Policy.AllowedCategories = slices.Clone(in.Policy.AllowedCategories)
	in.LastTokenIssuedAt = cloneTime(in.LastTokenIssuedAt)
	in.RevokedAt = cloneTime(in.RevokedAt)
	return in
}

func cloneClaim(in core.Claim) core.Claim {
	in.RequestedScopes = slices.Clone(in.RequestedScopes)
	in.ClaimedAt = cloneTime(in.ClaimedAt)
	return in
}

func cloneIntent(in core.Intent) core.Intent {
	in.Payload = slices.Clone(in.Payload)
	in.DecidedAt = cloneTime(in.DecidedAt)
	in.ConsumedAt = cloneTime(in.ConsumedAt)
	return in
}

func clonePlan(in core.Plan) core.Plan {
	in.IntentIDs = slices.Clone(in.IntentIDs)
	in.DecidedAt = cloneTime(in.DecidedAt)
	in.ExecutedAt = cloneTime(in.ExecutedAt)
	return in
}

func cloneAudit(in core.AuditEntry) core.AuditEntry {
	in.Metadata = maps.Clone(in.Metadata)
	return in
}
