// Package errors provides structured domain errors with stable machine codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Donation request validation
	CodeRequestInvalid        Code = "REQUEST_INVALID"
	CodeAmountInvalid         Code = "AMOUNT_INVALID"
	CodeIdempotencyKeyMissing Code = "IDEMPOTENCY_KEY_MISSING"
	CodeCallerMissing         Code = "CALLER_MISSING"
	CodeCampaignIDMissing     Code = "CAMPAIGN_ID_MISSING"

	// Idempotency contract
	CodeIdempotencyKeyReused Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRequestInFlight      Code = "REQUEST_IN_FLIGHT"

	// Lookups
	CodeCampaignNotFound Code = "CAMPAIGN_NOT_FOUND"
	CodeNotFound         Code = "NOT_FOUND"

	// Transport and storage
	CodeUnavailable Code = "UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeRequestInvalid,
		CodeAmountInvalid,
		CodeIdempotencyKeyMissing,
		CodeCampaignIDMissing:
		return http.StatusBadRequest

	case CodeCallerMissing:
		return http.StatusUnauthorized

	case CodeCampaignNotFound,
		CodeNotFound:
		return http.StatusNotFound

	case CodeRequestInFlight:
		return http.StatusConflict

	case CodeIdempotencyKeyReused:
		return http.StatusUnprocessableEntity

	case CodeUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// IsValidation reports whether the code rejects a request before any effect.
func (c Code) IsValidation() bool {
	switch c {
	case CodeRequestInvalid, CodeAmountInvalid, CodeIdempotencyKeyMissing, CodeCallerMissing, CodeCampaignIDMissing, CodeCampaignNotFound:
		return true
	default:
		return false
	}
}
