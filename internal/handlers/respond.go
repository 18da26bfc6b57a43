// Package handlers implements the HTTP surface over the coordination
// core. Each domain gets its own handler struct with a RegisterRoutes
// method; the server package composes them onto one router. Handlers are
// thin: decode, call the core, map the typed error to a status code.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

// MaxPayloadSize caps request bodies to prevent memory exhaustion.
const MaxPayloadSize = 1 << 20 // 1MB

func limitRequestSize(r *http.Request, maxSize int64) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxSize)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, details map[string]interface{}) {
	body := map[string]interface{}{"error": message}
	for k, v := range details {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func statusForKind(kind fleeterr.Kind) int {
	switch kind {
	case fleeterr.KindValidation:
		return http.StatusBadRequest
	case fleeterr.KindNotFound:
		return http.StatusNotFound
	case fleeterr.KindConflict:
		return http.StatusConflict
	case fleeterr.KindCapacityExhausted:
		return http.StatusTooManyRequests
	case fleeterr.KindUnauthorized:
		return http.StatusUnauthorized
	case fleeterr.KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeCoreError maps a typed core error to its HTTP status code,
// carrying the error's field path, machine-readable code, and any
// structured details into the response body.
func writeCoreError(w http.ResponseWriter, err error) {
	writeCoreErrorWith(w, err, nil)
}

// writeCoreErrorWith is writeCoreError plus extra response fields, for
// endpoints that persist state even on a rejected request.
func writeCoreErrorWith(w http.ResponseWriter, err error, extra map[string]interface{}) {
	fe, ok := err.(*fleeterr.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error(), extra)
		return
	}

	details := map[string]interface{}{}
	if fe.Field != "" {
		details["field"] = fe.Field
	}
	if fe.Code != "" {
		details["code"] = fe.Code
	}
	for k, v := range fe.Details {
		details[k] = v
	}
	for k, v := range extra {
		details[k] = v
	}
	writeError(w, statusForKind(fe.Kind), fe.Message, details)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	limitRequestSize(r, MaxPayloadSize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}
