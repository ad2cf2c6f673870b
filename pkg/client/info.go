package client

import (
	"context"

	"github.com/TD-Producoes/revshare-sub005/internal/api"
	"github.com/TD-Producoes/revshare-sub005/internal/buildinfo"
)

func (c *Client) Info(ctx context.Context) (*buildinfo.Info, error) {
	var info buildinfo.Info
	if err := c.get(ctx, c.url().setPath(api.AboutRoute).build(), &info); err != nil {
		return nil, err
	}
	return &info, nil
}
