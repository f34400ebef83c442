// Package http serves campaign reads.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/donations/internal/platform/errors"
	"github.com/louisbranch/donations/internal/services/aggregator/domain"
	"github.com/louisbranch/donations/internal/services/aggregator/storage"
)

// Reader is the campaign read path served by the handler.
type Reader interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListCampaigns(ctx context.Context) ([]domain.Campaign, error)
}

// Handler serves the campaign endpoints.
type Handler struct {
	reader Reader
	logf   func(string, ...any)
}

// NewHandler builds a handler over reader.
func NewHandler(reader Reader, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Handler{reader: reader, logf: logf}
}

// RegisterRoutes registers campaign endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/campaigns", h.handleList)
	mux.HandleFunc("GET /v1/campaigns/{id}", h.handleGet)
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type campaignBody struct {
	domain.Campaign
	Raised string `json:"raised"`
}

type listBody struct {
	Campaigns []campaignBody `json:"campaigns"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.reader.ListCampaigns(r.Context())
	if err != nil {
		h.logf("list campaigns: %v", err)
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "campaigns are unavailable", err))
		return
	}
	body := listBody{Campaigns: make([]campaignBody, 0, len(campaigns))}
	for _, c := range campaigns {
		body.Campaigns = append(body.Campaigns, toBody(c))
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	campaign, err := h.reader.GetCampaign(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, apperrors.New(apperrors.CodeCampaignNotFound, "campaign not found"))
		return
	}
	if err != nil {
		h.logf("get campaign %s: %v", id, err)
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "campaign is unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, toBody(campaign))
}

func toBody(c domain.Campaign) campaignBody {
	return campaignBody{Campaign: c, Raised: c.Raised()}
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
