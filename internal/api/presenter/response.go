package presenter

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/service"
)

type ErrorResponse struct {
	Error         string         `json:"error"`
	Kind          core.ErrorKind `json:"kind,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

func JSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to write json response")
	}
}

func Error(w http.ResponseWriter, r *http.Request, msg string, status int) {
	writeError(w, r, msg, "", status)
}

// Err writes a classified error. The status follows service.StatusCode, and
// internal failures never leak their message to the caller.
func Err(w http.ResponseWriter, r *http.Request, err error, short string) {
	status := service.StatusCode(err)
	kind := core.KindOf(err)

	msg := short + ": " + err.Error()
	if status >= http.StatusInternalServerError {
		log.Ctx(r.Context()).Error().Err(err).Msg(short)
		msg = short
	}
	writeError(w, r, msg, kind, status)
}

func writeError(w http.ResponseWriter, r *http.Request, msg string, kind core.ErrorKind, status int) {
	correlationID, _ := r.Context().Value("correlation_id").(string)
	JSON(w, r, ErrorResponse{
		Error:         msg,
		Kind:          kind,
		CorrelationID: correlationID,
	}, status)
}
