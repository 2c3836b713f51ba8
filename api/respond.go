package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/matchpay/payout-engine/pipeline"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps err to a status and a machine-readable kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pipeline.KindOf(err)
	status := statusFor(kind)

	logger := hlog.FromRequest(r)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("kind", string(kind)).Msg("request rejected")
	}

	resp := ErrorResponse{Error: string(kind)}
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		resp.Details = verr.Error()
		resp.Field = verr.Field
	case status < http.StatusInternalServerError:
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func statusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindNotFound, pipeline.KindInvalidAttributionKey:
		return http.StatusNotFound
	case pipeline.KindConflict:
		return http.StatusConflict
	case pipeline.KindBrandMismatch:
		return http.StatusForbidden
	case pipeline.KindUnauthorized:
		return http.StatusUnauthorized
	case pipeline.KindRateLimited:
		return http.StatusTooManyRequests
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindUnsupportedPayoutType:
		return http.StatusUnprocessableEntity
	case pipeline.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body into dst. Malformed bodies are validation
// errors. An empty body decodes to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return pipeline.Invalid("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}
