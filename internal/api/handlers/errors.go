// Package handlers implements the HTTP endpoints. Every handler reads the
// caller's owner and session from the context set by middleware.Identity.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dvloznov/fare-ledger/internal/api/middleware"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/logger"
)

// StatusFor maps an error to the HTTP status its kind implies.
func StatusFor(err error) int {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	switch domain.KindOf(err) {
	case domain.KindMalformedInput:
		return http.StatusBadRequest
	case domain.KindCapacityExceeded:
		return http.StatusRequestEntityTooLarge
	case domain.KindTenancyViolation:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

func newErrorBody(err error) errorBody {
	status := StatusFor(err)
	kind := domain.KindOf(err)
	if status == http.StatusRequestEntityTooLarge {
		kind = domain.KindCapacityExceeded
	}
	msg := err.Error()
	// internal failures are logged, not echoed
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return errorBody{Error: msg, Kind: kind}
}

// writeError logs err and writes the mapped status.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := StatusFor(err)
	log := logger.FromContext(ctx)
	switch {
	case status >= 500:
		log.Error().Err(err).Int("status", status).Msg("request failed")
	default:
		log.Warn().Err(err).Int("status", status).Msg("request rejected")
	}
	middleware.WriteJSON(w, status, newErrorBody(err))
}

// decodeJSON reads a JSON body into dst, reporting bad input as
// MalformedInput and oversized bodies as CapacityExceeded.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return domain.E(domain.KindCapacityExceeded, "handlers.decodeJSON", err)
		}
		return domain.E(domain.KindMalformedInput, "handlers.decodeJSON", err)
	}
	return nil
}
