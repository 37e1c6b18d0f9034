// Package errdef defines the closed error taxonomy shared by every
// component. Handlers map kinds to transport status codes in exactly one
// place; components never invent ad-hoc error strings for control flow.
package errdef

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error class.
type Kind string

const (
	// Authentication.
	KindMissingToken     Kind = "missing_token"
	KindTokenExpired     Kind = "token_expired"
	KindInvalidSignature Kind = "invalid_signature"
	KindMissingTenant    Kind = "missing_tenant"
	KindPermissionDenied Kind = "permission_denied"

	// Validation.
	KindSchemaInvalid        Kind = "schema_invalid"
	KindPayloadTooLarge      Kind = "payload_too_large"
	KindUnsupportedAlgorithm Kind = "unsupported_algorithm"

	// Decision.
	KindAdapterUnknown        Kind = "adapter_unknown"
	KindAdapterDisabled       Kind = "adapter_disabled"
	KindCapabilityNotDeclared Kind = "capability_not_declared"
	KindBlockedByPolicy       Kind = "blocked_by_policy"
	KindRequiresApproval      Kind = "requires_approval"
	KindBudgetExceeded        Kind = "budget_exceeded"

	// Approval.
	KindDecisionNotFound      Kind = "decision_not_found"
	KindAlreadyResolved       Kind = "already_resolved"
	KindRoleInsufficient      Kind = "role_insufficient"
	KindJustificationTooShort Kind = "justification_too_short"
	KindDecisionExpired       Kind = "decision_expired"

	// Tool tokens.
	KindInvalidToolToken Kind = "invalid_tool_token"
	KindToolTokenExpired Kind = "tool_token_expired"
	KindToolTokenUsed    Kind = "tool_token_used"

	// Integrity.
	KindPayloadHashMismatch Kind = "payload_hash_mismatch"
	KindTimestampSkew       Kind = "timestamp_skew"
	KindMissingKey          Kind = "missing_key"
	KindKeyRevoked          Kind = "key_revoked"

	// Infrastructure.
	KindStoreConflict    Kind = "store_conflict"
	KindTimeout          Kind = "timeout"
	KindStoreUnavailable Kind = "store_unavailable"
)

// Error carries a kind, a human-readable detail, and an optional cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an error of the given kind with a formatted detail.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and detail to an underlying cause.
func Wrap(kind Kind, detail string, cause error) error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf extracts the kind from an error chain; unknown errors report
// store_unavailable so nothing maps to a success path by accident.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoreUnavailable
}

// Is reports whether the error chain carries the kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether the operation may be retried. Only store
// conflicts qualify; timeouts are never retried automatically.
func Retryable(err error) bool {
	return Is(err, KindStoreConflict)
}
