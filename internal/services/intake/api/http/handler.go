// Package http exposes donation intake over HTTP. Caller identity comes from
// headers set by the trusted gateway.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/donations/internal/platform/errors"
	"github.com/louisbranch/donations/internal/platform/money"
	"github.com/louisbranch/donations/internal/services/intake/domain"
)

// Header names read and written by the handler.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderUserID         = "X-User-ID"
	HeaderUserEmail      = "X-User-Email"
	HeaderReplayed       = "Idempotent-Replayed"
)

const maxBodyBytes = 1 << 16

// Submitter is the intake operation served by the handler.
type Submitter interface {
	SubmitDonation(ctx context.Context, req domain.Request) (domain.Receipt, error)
}

// Handler serves POST /v1/donations.
type Handler struct {
	submitter Submitter
	logf      func(string, ...any)
}

// NewHandler builds a handler over submitter.
func NewHandler(submitter Submitter, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Handler{submitter: submitter, logf: logf}
}

// RegisterRoutes registers intake endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/donations", h.handleSubmit)
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type submitRequest struct {
	CampaignID string          `json:"campaignId"`
	Amount     json.RawMessage `json:"amount"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.CodeRequestInvalid, "request body must be JSON with campaignId and amount"))
		return
	}
	cents, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeAmountInvalid, "amount must be a positive value with at most two decimal places", err))
		return
	}

	receipt, err := h.submitter.SubmitDonation(r.Context(), domain.Request{
		Caller: domain.Caller{
			UserID: r.Header.Get(HeaderUserID),
			Email:  r.Header.Get(HeaderUserEmail),
		},
		CampaignID:     body.CampaignID,
		AmountCents:    cents,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeUnknown {
			h.logf("submit donation: %v", err)
		}
		writeError(w, err)
		return
	}
	if receipt.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// parseAmount accepts "10.00" or 10.00 and returns cents.
func parseAmount(raw json.RawMessage) (int64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, money.ErrNotPositive
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		text = s
	}
	return money.ParseAmount(text)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), errorBody{Error: errorDetail{Code: string(code), Message: apperrors.MessageOf(err)}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
