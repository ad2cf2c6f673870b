package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	// maxRequestBytes caps non-guarded request bodies.
	maxRequestBytes = 1 << 20
)

// DecodePayload strictly decodes a JSON request body into dest.
func DecodePayload(w http.ResponseWriter, r *http.Request, dest any, allowEmpty bool) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, _ := mime.ParseMediaType(ct); mediaType != "application/json" {
			return core.NewError(core.KindInvalidRequest, "unsupported content type")
		}
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if !errors.Is(err, io.EOF) || !allowEmpty {
			return core.NewError(core.KindInvalidRequest, "invalid request payload: %v", err)
		}
	}
	// ensure there's no extra data
	if dec.More() {
		return core.NewError(core.KindInvalidRequest, "extra data in request body")
	}
	return nil
}

// queryLimit parses the "limit" query parameter.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, core.NewError(core.KindInvalidRequest, "invalid limit parameter '%s'", raw)
	}
	return min(limit, maxListLimit), nil
}

// queryList splits a comma separated query parameter.
func queryList(r *http.Request, key string) []string {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
