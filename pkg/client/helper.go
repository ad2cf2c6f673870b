package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/TD-Producoes/revshare-sub005/internal/api/middleware"
	"github.com/TD-Producoes/revshare-sub005/internal/api/presenter"
	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

var ErrInvalidSession = errors.New("invalid session token")

// APIError is a failed API call. It matches the core error sentinels of its
// kind, so errors.Is(err, core.ErrExpired) works on client errors.
type APIError struct {
	StatusCode    int
	Kind          core.ErrorKind
	CorrelationID string
	Message       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: '%s' (status: %d, correlation: %s)", e.Message, e.StatusCode, e.CorrelationID)
}

func (e *APIError) Unwrap() error {
	if e.Kind == "" {
		return nil
	}
	return &core.Error{Kind: e.Kind, Msg: e.Message}
}

func (c *Client) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, c.authToken, result)
}

func (c *Client) post(ctx context.Context, url string, payload, result any) error {
	return c.postAs(ctx, c.authToken, url, payload, result)
}

// postAs posts with an explicit bearer token instead of the client's.
func (c *Client) postAs(ctx context.Context, bearer, url string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		var raw []byte
		switch p := payload.(type) {
		case json.RawMessage:
			raw = p
		default:
			var err error
			if raw, err = json.Marshal(payload); err != nil {
				return fmt.Errorf("marshaling payload: %w", err)
			}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, bearer, result)
}

func parseErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d and unreadable body: %w", resp.StatusCode, err)
	}
	var errResp presenter.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		if errResp.Error == "invalid session token" {
			return ErrInvalidSession
		}
		correlationID := errResp.CorrelationID
		if correlationID == "" {
			correlationID = resp.Header.Get(middleware.CorrelationIDHeader)
		}
		return &APIError{
			StatusCode:    resp.StatusCode,
			Kind:          errResp.Kind,
			CorrelationID: correlationID,
			Message:       errResp.Error,
		}
	}
	return fmt.Errorf("api error: *unparsed '%s' (status %d)", string(body), resp.StatusCode)
}

func (c *Client) do(req *http.Request, bearer string, result any) error {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
