package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/donations/internal/platform/errors"
	"github.com/louisbranch/donations/internal/services/intake/domain"
)

type fakeSubmitter struct {
	got     domain.Request
	receipt domain.Receipt
	err     error
}

func (f *fakeSubmitter) SubmitDonation(_ context.Context, req domain.Request) (domain.Receipt, error) {
	f.got = req
	return f.receipt, f.err
}

func serve(t *testing.T, sub *fakeSubmitter, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(sub, nil).RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodPost, "/v1/donations", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

var callerHeaders = map[string]string{
	HeaderIdempotencyKey: "k1",
	HeaderUserID:         "u1",
	HeaderUserEmail:      "u1@example.com",
}

func TestSubmitAccepted(t *testing.T) {
	sub := &fakeSubmitter{receipt: domain.Receipt{DonationID: "d1", Amount: "10.00", RequestedAt: time.Unix(0, 0).UTC()}}
	rec := serve(t, sub, `{"campaignId":"c1","amount":"10.00"}`, callerHeaders)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderReplayed) != "" {
		t.Fatal("first response marked replayed")
	}
	if sub.got.AmountCents != 1000 || sub.got.CampaignID != "c1" || sub.got.IdempotencyKey != "k1" ||
		sub.got.Caller.UserID != "u1" || sub.got.Caller.Email != "u1@example.com" {
		t.Fatalf("request = %+v", sub.got)
	}
	var receipt domain.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if receipt.DonationID != "d1" {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestSubmitReplayHeader(t *testing.T) {
	sub := &fakeSubmitter{receipt: domain.Receipt{DonationID: "d1", Replayed: true}}
	rec := serve(t, sub, `{"campaignId":"c1","amount":10.5}`, callerHeaders)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(HeaderReplayed) != "true" {
		t.Fatal("replayed response missing header")
	}
	if !strings.Contains(rec.Body.String(), `"replayed":true`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if sub.got.AmountCents != 1050 {
		t.Fatalf("numeric amount parsed as %d cents", sub.got.AmountCents)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest, wantCode: "REQUEST_INVALID"},
		{name: "unknown field", body: `{"campaignId":"c1","amount":"1.00","tip":"1"}`, wantStatus: http.StatusBadRequest, wantCode: "REQUEST_INVALID"},
		{name: "negative amount", body: `{"campaignId":"c1","amount":"-1.00"}`, wantStatus: http.StatusBadRequest, wantCode: "AMOUNT_INVALID"},
		{name: "three decimals", body: `{"campaignId":"c1","amount":"1.005"}`, wantStatus: http.StatusBadRequest, wantCode: "AMOUNT_INVALID"},
		{name: "missing amount", body: `{"campaignId":"c1"}`, wantStatus: http.StatusBadRequest, wantCode: "AMOUNT_INVALID"},
		{name: "in flight", body: `{"campaignId":"c1","amount":"1.00"}`, err: apperrors.New(apperrors.CodeRequestInFlight, "busy"), wantStatus: http.StatusConflict, wantCode: "REQUEST_IN_FLIGHT"},
		{name: "reused", body: `{"campaignId":"c1","amount":"1.00"}`, err: apperrors.New(apperrors.CodeIdempotencyKeyReused, "reused"), wantStatus: http.StatusUnprocessableEntity, wantCode: "IDEMPOTENCY_KEY_REUSED"},
		{name: "unavailable", body: `{"campaignId":"c1","amount":"1.00"}`, err: apperrors.New(apperrors.CodeUnavailable, "down"), wantStatus: http.StatusServiceUnavailable, wantCode: "UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &fakeSubmitter{err: tt.err}, tt.body, callerHeaders)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error.Code != tt.wantCode || body.Error.Message == "" {
				t.Fatalf("error body = %+v", body)
			}
		})
	}
}

func TestOnlyPostIsRouted(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(&fakeSubmitter{}, nil).RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/donations", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}
}
