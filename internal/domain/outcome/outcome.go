// Package outcome defines the stable error categories and outcomes shared by
// the enforcement pipeline, the adapters, and the audit trail.
package outcome

import (
	"errors"
	"fmt"
)

// Category identifies the pipeline step that denied a request.
// Values are stable identifiers suitable for audit records and client error data.
type Category string

const (
	// CategorySecurityViolation is a failed session context verification (step 1).
	CategorySecurityViolation Category = "SECURITY_VIOLATION"
	// CategoryAuthorizationDenied is a capability or guard-rule denial (step 2).
	CategoryAuthorizationDenied Category = "AUTHORIZATION_DENIED"
	// CategoryQuotaRateExceeded is a rate window denial (step 3).
	CategoryQuotaRateExceeded Category = "QUOTA_RATE_EXCEEDED"
	// CategoryQuotaConcurrencyExceeded is a concurrency slot denial (step 3).
	CategoryQuotaConcurrencyExceeded Category = "QUOTA_CONCURRENCY_EXCEEDED"
	// CategoryQuotaDeadlineExceeded is a per-request deadline breach (step 6/7).
	CategoryQuotaDeadlineExceeded Category = "QUOTA_DEADLINE_EXCEEDED"
	// CategoryQuotaResultExceeded is a result size cap breach (step 6/7).
	CategoryQuotaResultExceeded Category = "QUOTA_RESULT_EXCEEDED"
	// CategoryValidationError is a tool input schema rejection (step 4).
	CategoryValidationError Category = "VALIDATION_ERROR"
	// CategoryQueryRejected is a static SQL validator rejection (step 5).
	CategoryQueryRejected Category = "QUERY_REJECTED"
	// CategoryAdapterTimeout is an adapter-level timeout (step 6).
	CategoryAdapterTimeout Category = "ADAPTER_TIMEOUT"
	// CategoryAdapterError is any other adapter failure (step 6).
	CategoryAdapterError Category = "ADAPTER_ERROR"
	// CategoryAuditFailure means the audit sink refused an event. The request
	// is denied: execution never proceeds unaudited.
	CategoryAuditFailure Category = "AUDIT_FAILURE"
)

// Outcome values recorded in audit events.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeDenied  = "DENIED"
)

// Error is a request denial carrying a stable category and a sanitized reason
// code. Reason codes never echo client input.
type Error struct {
	Category Category
	Reason   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Reason)
}

// Deny constructs a denial with the given category and reason code.
func Deny(category Category, reason string) *Error {
	return &Error{Category: category, Reason: reason}
}

// CategoryOf extracts the stable category from err.
// Unclassified errors map to ADAPTER_ERROR: an unexpected failure is a denial,
// never an allow.
func CategoryOf(err error) Category {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Category
	}
	return CategoryAdapterError
}

// ReasonOf extracts the sanitized reason code from err, or "INTERNAL" for
// unclassified errors.
func ReasonOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) && oe.Reason != "" {
		return oe.Reason
	}
	return "INTERNAL"
}

// SafeMessage returns a client-safe message for err.
// Internal details are logged server-side but never exposed to clients.
func SafeMessage(err error) string {
	switch CategoryOf(err) {
	case CategorySecurityViolation:
		return "Security violation"
	case CategoryAuthorizationDenied:
		return "Not authorized"
	case CategoryQuotaRateExceeded:
		return "Rate limit exceeded"
	case CategoryQuotaConcurrencyExceeded:
		return "Too many concurrent requests"
	case CategoryQuotaDeadlineExceeded:
		return "Request deadline exceeded"
	case CategoryQuotaResultExceeded:
		return "Result size limit exceeded"
	case CategoryValidationError:
		return "Invalid input"
	case CategoryQueryRejected:
		return "Query rejected"
	case CategoryAdapterTimeout:
		return "Backend timeout"
	case CategoryAuditFailure:
		return "Request could not be audited"
	default:
		return "Internal error"
	}
}
