package engine

import "fmt"

// Class is the failure taxonomy. Every engine failure is a synchronous
// return value carrying one of these; errors are never used for internal
// control flow and the engine performs no internal retries.
type Class string

const (
	ClassValidation Class = "VALIDATION"
	ClassNotFound   Class = "NOT_FOUND"
	ClassConflict   Class = "CONFLICT"
	ClassForbidden  Class = "FORBIDDEN"
	ClassUpstream   Class = "UPSTREAM"
)

// Machine-readable reason codes.
const (
	CodeNoProviders         = "NO_PROVIDERS"
	CodeClaimConflict       = "claim_conflict"
	CodeNotACandidate       = "not_a_candidate"
	CodeRequestNotFound     = "request_not_found"
	CodeProviderNotFound    = "provider_not_found"
	CodeNotAssigned         = "not_assigned"
	CodeNotInProgress       = "not_in_progress"
	CodeAlreadyInProgress   = "already_in_progress"
	CodeAlreadyCompleted    = "already_completed"
	CodeAlreadyCancelled    = "already_cancelled"
	CodeCancelWindowExpired = "cancel_window_expired"
	CodeWrongProvider       = "wrong_provider"
	CodeWrongCustomer       = "wrong_customer"
	CodeDraftNotCancellable = "draft_not_cancellable"
	CodeNotADraft           = "not_a_draft"
	CodeNotAwaitingPayment  = "not_awaiting_payment"
	CodeNotBroadcasted      = "not_broadcasted"
	CodeRequestClosed       = "request_closed"
	CodeTooFarFromPickup    = "too_far_from_pickup"
	CodeBadInput            = "bad_input"
	CodeMatchingFailed      = "matching_failed"
	CodePricingFailed       = "pricing_failed"
	CodePaymentFailed       = "payment_failed"
)

// Error is the engine's failure value: taxonomy class, reason code, and for
// geofence denials the measured distance against the threshold so the caller
// can explain the shortfall.
type Error struct {
	Class           Class
	Code            string
	Message         string
	DistanceMeters  int
	ThresholdMeters int
	Err             error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s/%s: %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("%s/%s", e.Class, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(class Class, code, msg string) *Error {
	return &Error{Class: class, Code: code, Message: msg}
}

func upstream(code string, err error) *Error {
	return &Error{Class: ClassUpstream, Code: code, Message: err.Error(), Err: err}
}

// ClassOf returns the taxonomy class of an engine error, or "" for foreign
// errors.
func ClassOf(err error) Class {
	if e, ok := err.(*Error); ok {
		return e.Class
	}
	return ""
}

// CodeOf returns the machine reason code of an engine error, or "".
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
