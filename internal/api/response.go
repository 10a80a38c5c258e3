// Package api implements the daemon's JSON-over-HTTP surface. It uses Chi
// as the router and serves the same flat route set on TCP and on the Unix
// socket. Every response carries success: boolean; error responses add a
// human-readable error string and a stable machine code, plus any structured
// detail the failing component attached (current lock holder, known event
// names, and so on).
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/fault"
)

// envelope builds ad-hoc response bodies. Component result structs already
// carry their own success field and are written as-is.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Fail writes err as the standard error envelope. The status and code come
// from the fault taxonomy; unclassified errors map to a 500 with a generic
// message so internals never leak. Structured details ride alongside unless
// they would shadow the fixed keys.
func Fail(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	message := err.Error()
	if code == fault.Internal {
		message = "an internal error occurred"
	}
	body := envelope{
		"success": false,
		"error":   message,
		"code":    string(code),
	}
	for k, v := range fault.DetailOf(err) {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	JSON(w, fault.HTTPStatus(code), body)
}

// writeErr logs unclassified errors before responding; fault-coded errors
// are the caller's fault and stay out of the log.
func writeErr(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	if fault.CodeOf(err) == fault.Internal {
		logger.Error(op+" failed", zap.Error(err))
	}
	Fail(w, err)
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
// An absent body decodes into the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		Fail(w, fault.Newf(fault.ValidationError, "invalid request body: %s", err.Error()))
		return false
	}
	return true
}
