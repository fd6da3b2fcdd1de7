package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// writeError logs unexpected errors before writing the client response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if code := apperrors.GetCode(err); httputil.StatusFromCode(code) >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("code", string(code)).Msg("request failed")
	}
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.InvalidInput("body", "request body too large")
		}
		return apperrors.InvalidInput("body", "malformed JSON")
	}
	return nil
}
