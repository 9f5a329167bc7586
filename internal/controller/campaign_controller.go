// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/httputil"
	"github.com/unclebandit/smsleopard-dispatcher/internal/middleware"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
	"github.com/unclebandit/smsleopard-dispatcher/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

type createCampaignRequest struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	TemplateID      int               `json:"template_id"`
	AudienceID      int               `json:"audience_id"`
	VariableMapping map[string]string `json:"variable_mapping"`
}

func (r createCampaignRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Description, validation.Length(0, 2000)),
		validation.Field(&r.TemplateID, validation.Required, validation.Min(1)),
		validation.Field(&r.AudienceID, validation.Required, validation.Min(1)),
	)
}

type mappingRequest struct {
	VariableMapping map[string]string `json:"variable_mapping"`
}

func (r mappingRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.VariableMapping, validation.NotNil),
	)
}

type templateRequest struct {
	TemplateID int `json:"template_id"`
}

func (r templateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TemplateID, validation.Required, validation.Min(1)),
	)
}

type scheduleRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for"`
}

func (r scheduleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ScheduledFor, validation.Required),
	)
}

type previewRequest struct {
	RecipientID      int     `json:"recipient_id"`
	OverrideTemplate *string `json:"override_template"`
}

func (r previewRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RecipientID, validation.Required, validation.Min(1)),
	)
}

type singleSendRequest struct {
	Phone   string `json:"phone"`
	Content string `json:"content"`
}

func (r singleSendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Phone, validation.Required),
		validation.Field(&r.Content, validation.Required, validation.Length(1, 1600)),
	)
}

func campaignID(r *http.Request) (int, error) {
	id, ok := httputil.IntParam(chi.URLParam(r, "id"))
	if !ok {
		return 0, appErrors.NewCampaignNotFound(id)
	}
	return id, nil
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), middleware.TenantFromContext(r.Context()), service.CreateCampaignInput{
		Name:            body.Name,
		Description:     body.Description,
		TemplateID:      body.TemplateID,
		AudienceID:      body.AudienceID,
		VariableMapping: model.VariableMapping(body.VariableMapping),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := httputil.IntParam(q.Get("page"))
	pageSize, _ := httputil.IntParam(q.Get("page_size"))

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), middleware.TenantFromContext(r.Context()), page, pageSize, q.Get("status"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) SetMapping(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var body mappingRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	campaign, unmapped, err := c.CampaignService.SetMapping(r.Context(), middleware.TenantFromContext(r.Context()), id, model.VariableMapping(body.VariableMapping))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"campaign": campaign, "unmapped_variables": unmapped})
}

func (c *CampaignController) ChangeTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var body templateRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	campaign, unmapped, err := c.CampaignService.ChangeTemplate(r.Context(), middleware.TenantFromContext(r.Context()), id, body.TemplateID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"campaign": campaign, "unmapped_variables": unmapped})
}

func (c *CampaignController) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var body scheduleRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	campaign, err := c.CampaignService.Schedule(r.Context(), middleware.TenantFromContext(r.Context()), id, *body.ScheduledFor)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	c.startRun(w, r, c.CampaignService.SendNow)
}

func (c *CampaignController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	c.startRun(w, r, c.CampaignService.RetryFailed)
}

func (c *CampaignController) ResendAll(w http.ResponseWriter, r *http.Request) {
	c.startRun(w, r, c.CampaignService.ResendAll)
}

type runStarter func(ctx context.Context, tenantID string, id int) (model.DispatchJob, error)

func (c *CampaignController) startRun(w http.ResponseWriter, r *http.Request, start runStarter) {
	id, err := campaignID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	job, err := start(r.Context(), middleware.TenantFromContext(r.Context()), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id": job.CampaignID,
		"run_id":      job.RunID,
		"mode":        job.Mode,
		"status":      model.CampaignSending,
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var body previewRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), middleware.TenantFromContext(r.Context()), id, body.RecipientID, body.OverrideTemplate)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"recipient_id":     body.RecipientID,
	})
}

func (c *CampaignController) SendSingle(w http.ResponseWriter, r *http.Request) {
	var body singleSendRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	msg, err := c.CampaignService.SendSingle(r.Context(), middleware.TenantFromContext(r.Context()), body.Phone, body.Content)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, msg)
}
