package client

import (
	"context"

	"github.com/TD-Producoes/revshare-sub005/internal/api"
	"github.com/TD-Producoes/revshare-sub005/internal/audit"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// ListAudit pages through the audit log. filter.AfterSequence continues after
// the last entry of a previous page.
func (c *Client) ListAudit(ctx context.Context, filter core.AuditFilter) ([]core.AuditEntry, error) {
	u := c.url().setPath(api.ListAuditRoute)
	if filter.SubjectType != "" {
		u.addQueryParam("subject_type", filter.SubjectType)
	}
	if filter.SubjectID != "" {
		u.addQueryParam("subject_id", filter.SubjectID)
	}
	if filter.Event != "" {
		u.addQueryParam("event", filter.Event)
	}
	if filter.ActorID != "" {
		u.addQueryParam("actor_id", filter.ActorID)
	}
	if filter.AfterSequence > 0 {
		u.addQueryParam("after", filter.AfterSequence)
	}
	if filter.Limit > 0 {
		u.addQueryParam("limit", filter.Limit)
	}

	var res []core.AuditEntry
	err := c.get(ctx, u.build(), &res)
	return res, err
}

func (c *Client) VerifyAudit(ctx context.Context) (*audit.VerifyResult, error) {
	var res audit.VerifyResult
	if err := c.get(ctx, c.url().setPath(api.VerifyAuditRoute).build(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}
