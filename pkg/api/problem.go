// Package api exposes the control plane over HTTP: decision, approval,
// tool-token, telemetry, audit, policy, and registry resources. Errors are
// rendered as RFC 7807 problem details; the kind→status mapping lives here
// and nowhere else.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/clasperhq/clasper/pkg/errdef"
)

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(kind errdef.Kind) int {
	switch kind {
	case errdef.KindMissingToken, errdef.KindTokenExpired, errdef.KindInvalidSignature:
		return http.StatusUnauthorized
	case errdef.KindMissingTenant, errdef.KindPermissionDenied, errdef.KindRoleInsufficient,
		errdef.KindBlockedByPolicy, errdef.KindBudgetExceeded, errdef.KindKeyRevoked:
		return http.StatusForbidden
	case errdef.KindSchemaInvalid, errdef.KindJustificationTooShort, errdef.KindUnsupportedAlgorithm:
		return http.StatusBadRequest
	case errdef.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case errdef.KindAdapterUnknown, errdef.KindDecisionNotFound, errdef.KindMissingKey:
		return http.StatusNotFound
	case errdef.KindAdapterDisabled, errdef.KindCapabilityNotDeclared, errdef.KindRequiresApproval,
		errdef.KindDecisionExpired, errdef.KindToolTokenExpired,
		errdef.KindInvalidToolToken, errdef.KindPayloadHashMismatch, errdef.KindTimestampSkew:
		return http.StatusUnprocessableEntity
	case errdef.KindAlreadyResolved, errdef.KindToolTokenUsed, errdef.KindStoreConflict:
		return http.StatusConflict
	case errdef.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders a taxonomy error as a problem detail.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdef.KindOf(err)
	status := statusFor(kind)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		detail = "internal error"
	}
	problem := &ProblemDetail{
		Type:     "https://clasper.dev/errors/" + string(kind),
		Title:    string(kind),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
