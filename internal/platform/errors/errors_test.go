package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("submit: %w", New(CodeAmountInvalid, "amount must be positive"))

	if !stderrors.Is(err, New(CodeAmountInvalid, "")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if stderrors.Is(err, New(CodeCampaignNotFound, "")) {
		t.Fatal("expected different code not to match")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("broker down")
	err := Wrap(CodeUnavailable, "donation could not be accepted", cause)

	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
	if got, want := err.Error(), "donation could not be accepted: broker down"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestCodeOfAndMessageOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", WithMetadata(CodeCampaignNotFound, "campaign not found", map[string]string{"campaign_id": "c1"}))
	if got := CodeOf(err); got != CodeCampaignNotFound {
		t.Fatalf("CodeOf = %s, want %s", got, CodeCampaignNotFound)
	}
	if got := MessageOf(err); got != "campaign not found" {
		t.Fatalf("MessageOf = %q", got)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %s, want %s", got, CodeUnknown)
	}
	if got := MessageOf(stderrors.New("plain")); got != "internal error" {
		t.Fatalf("MessageOf(plain) = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeRequestInvalid, http.StatusBadRequest},
		{CodeAmountInvalid, http.StatusBadRequest},
		{CodeIdempotencyKeyMissing, http.StatusBadRequest},
		{CodeCampaignIDMissing, http.StatusBadRequest},
		{CodeCallerMissing, http.StatusUnauthorized},
		{CodeCampaignNotFound, http.StatusNotFound},
		{CodeRequestInFlight, http.StatusConflict},
		{CodeIdempotencyKeyReused, http.StatusUnprocessableEntity},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("%s.HTTPStatus() = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestIsValidation(t *testing.T) {
	if !CodeAmountInvalid.IsValidation() {
		t.Fatal("expected amount invalid to be a validation code")
	}
	if CodeUnavailable.IsValidation() {
		t.Fatal("expected unavailable not to be a validation code")
	}
}
