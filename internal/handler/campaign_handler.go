// internal/handler/campaign_handler.go
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/httputil"
	"github.com/unclebandit/smsleopard-dispatcher/internal/middleware"
	"github.com/unclebandit/smsleopard-dispatcher/internal/service"
)

// CampaignHandler serves the read side of campaigns.
type CampaignHandler struct {
	Service *service.CampaignService
}

// NewCampaignHandler creates a new CampaignHandler with the given service
func NewCampaignHandler(svc *service.CampaignService) *CampaignHandler {
	return &CampaignHandler{Service: svc}
}

// GetCampaignHandlerWithStats returns one campaign with its template
// variables and per-status message counts.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.IntParam(chi.URLParam(r, "id"))
	if !ok {
		httputil.WriteError(w, appErrors.NewCampaignNotFound(id))
		return
	}

	details, err := h.Service.GetCampaignDetails(r.Context(), middleware.TenantFromContext(r.Context()), id)
	if err != nil {
		if !appErrors.IsNotFound(err) {
			logrus.WithError(err).WithField("campaign_id", id).Error("failed to fetch campaign")
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

// ListMessagesHandler pages through a campaign's messages, optionally
// filtered by status.
func (h *CampaignHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.IntParam(chi.URLParam(r, "id"))
	if !ok {
		httputil.WriteError(w, appErrors.NewCampaignNotFound(id))
		return
	}
	q := r.URL.Query()
	page, _ := httputil.IntParam(q.Get("page"))
	pageSize, _ := httputil.IntParam(q.Get("page_size"))

	msgs, pagination, err := h.Service.ListMessages(r.Context(), middleware.TenantFromContext(r.Context()), id, q.Get("status"), page, pageSize)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       msgs,
		"pagination": pagination,
	})
}
