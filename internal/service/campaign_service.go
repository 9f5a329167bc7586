// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatcher/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
	"github.com/unclebandit/smsleopard-dispatcher/internal/queue"
	"github.com/unclebandit/smsleopard-dispatcher/internal/repository"
)

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	MessageRepo   repository.MessageRepositoryInterface
	TemplateRepo  repository.TemplateRepositoryInterface
	Resolver      *RecipientResolver
	Machine       *StateMachine
	Gateway       gateway.Provider
	Queue         queue.Queue
	SendTimeout   time.Duration
	DefaultRegion string
}

type CreateCampaignInput struct {
	Name            string
	Description     string
	TemplateID      int
	AudienceID      int
	VariableMapping model.VariableMapping
}

type CampaignDetails struct {
	*model.Campaign
	Variables []string       `json:"variables"`
	Unmapped  []string       `json:"unmapped_variables"`
	Stats     map[string]int `json:"stats"`
}

// ====================== Draft editing ======================

func (s *CampaignService) CreateCampaign(ctx context.Context, tenantID string, in CreateCampaignInput) (*model.Campaign, error) {
	if _, err := s.TemplateRepo.GetByID(ctx, tenantID, in.TemplateID); err != nil {
		return nil, asValidation(err)
	}
	size, err := s.Resolver.Size(ctx, tenantID, in.AudienceID)
	if err != nil {
		return nil, asValidation(err)
	}
	if size == 0 {
		return nil, appErrors.NewValidation(appErrors.ErrEmptyAudience)
	}

	c := &model.Campaign{
		TenantID:        tenantID,
		Name:            strings.TrimSpace(in.Name),
		Description:     in.Description,
		TemplateID:      in.TemplateID,
		AudienceID:      in.AudienceID,
		VariableMapping: cleanMapping(in.VariableMapping),
		Status:          model.CampaignDraft,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	logrus.WithFields(logrus.Fields{"campaign_id": c.ID, "tenant_id": tenantID}).Info("campaign created")
	return c, nil
}

// SetMapping replaces the variable mapping of a draft and reports which
// template variables are still unmapped.
func (s *CampaignService) SetMapping(ctx context.Context, tenantID string, id int, mapping model.VariableMapping) (*model.Campaign, []string, error) {
	c, err := s.loadCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != model.CampaignDraft {
		return nil, nil, appErrors.NewStateConflict(c.ID, c.Status, "change mapping")
	}
	tpl, err := s.TemplateRepo.GetByID(ctx, tenantID, c.TemplateID)
	if err != nil {
		return nil, nil, err
	}

	c.VariableMapping = cleanMapping(mapping)
	if err := s.saveDraft(ctx, c, "change mapping"); err != nil {
		return nil, nil, err
	}
	return c, ValidateMapping(tpl, c.VariableMapping), nil
}

// ChangeTemplate points a draft at another template and clears its mapping.
func (s *CampaignService) ChangeTemplate(ctx context.Context, tenantID string, id, templateID int) (*model.Campaign, []string, error) {
	c, err := s.loadCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != model.CampaignDraft {
		return nil, nil, appErrors.NewStateConflict(c.ID, c.Status, "change template")
	}
	tpl, err := s.TemplateRepo.GetByID(ctx, tenantID, templateID)
	if err != nil {
		return nil, nil, asValidation(err)
	}

	c.TemplateID = templateID
	c.VariableMapping = model.VariableMapping{}
	if err := s.saveDraft(ctx, c, "change template"); err != nil {
		return nil, nil, err
	}
	return c, ValidateMapping(tpl, c.VariableMapping), nil
}

func (s *CampaignService) saveDraft(ctx context.Context, c *model.Campaign, action string) error {
	ok, err := s.CampaignRepo.UpdateDraft(ctx, c)
	if err != nil {
		return fmt.Errorf("update campaign %d: %w", c.ID, err)
	}
	if !ok {
		fresh, err := s.CampaignRepo.GetByID(ctx, c.ID)
		if err != nil {
			return err
		}
		return appErrors.NewStateConflict(c.ID, fresh.Status, action)
	}
	return nil
}

// ====================== Lifecycle actions ======================

func (s *CampaignService) Schedule(ctx context.Context, tenantID string, id int, at time.Time) (*model.Campaign, error) {
	if at.IsZero() {
		return nil, appErrors.NewValidation(errors.New("scheduled_for is required"))
	}
	c, err := s.loadCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(c, ActionSchedule); err != nil {
		return nil, err
	}
	if err := s.validateForDispatch(ctx, c, true); err != nil {
		return nil, err
	}
	if err := s.Machine.Schedule(ctx, c, at.UTC()); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CampaignService) SendNow(ctx context.Context, tenantID string, id int) (model.DispatchJob, error) {
	return s.startRun(ctx, tenantID, id, ActionSendNow)
}

func (s *CampaignService) RetryFailed(ctx context.Context, tenantID string, id int) (model.DispatchJob, error) {
	return s.startRun(ctx, tenantID, id, ActionRetry)
}

func (s *CampaignService) ResendAll(ctx context.Context, tenantID string, id int) (model.DispatchJob, error) {
	return s.startRun(ctx, tenantID, id, ActionResend)
}

func (s *CampaignService) startRun(ctx context.Context, tenantID string, id int, action Action) (model.DispatchJob, error) {
	c, err := s.loadCampaign(ctx, tenantID, id)
	if err != nil {
		return model.DispatchJob{}, err
	}
	prior := *c
	if err := s.precheck(c, action); err != nil {
		return model.DispatchJob{}, err
	}

	// taking over a stale run may finish a full run, so it needs an audience
	takeover := c.Status == model.CampaignSending
	if action == ActionRetry && !takeover {
		n, err := s.MessageRepo.CountFailed(ctx, c.ID)
		if err != nil {
			return model.DispatchJob{}, fmt.Errorf("count failed messages: %w", err)
		}
		if n == 0 {
			return model.DispatchJob{}, appErrors.NewValidation(appErrors.ErrNothingToRetry)
		}
	}
	if err := s.validateForDispatch(ctx, c, action != ActionRetry || takeover); err != nil {
		return model.DispatchJob{}, err
	}

	job, err := s.Machine.BeginRun(ctx, c, action)
	if err != nil {
		return model.DispatchJob{}, err
	}
	if err := s.Queue.Publish(queue.DispatchTopic, job); err != nil {
		metrics.QueuePublishFailureTotal.WithLabelValues(queue.DispatchTopic).Inc()
		if abortErr := s.Machine.Abort(ctx, job, prior); abortErr != nil {
			logrus.WithError(abortErr).WithField("campaign_id", c.ID).Error("failed to release campaign after enqueue failure")
		}
		return model.DispatchJob{}, fmt.Errorf("enqueue dispatch run: %w", err)
	}
	return job, nil
}

// precheck fails fast on statuses the action can never start from. A sending
// campaign is left to the storage compare-and-set, which knows about stale
// leases.
func (s *CampaignService) precheck(c *model.Campaign, action Action) error {
	if c.Status == model.CampaignSending || Allowed(c.Status, action) {
		return nil
	}
	return appErrors.NewStateConflict(c.ID, c.Status, string(action))
}

// validateForDispatch collects every reason the campaign cannot leave its
// current state. Nothing is written when it fails.
func (s *CampaignService) validateForDispatch(ctx context.Context, c *model.Campaign, checkAudience bool) error {
	verr := &appErrors.ValidationError{}

	tpl, err := s.TemplateRepo.GetByID(ctx, c.TenantID, c.TemplateID)
	if err != nil {
		return asValidation(err)
	}
	if !tpl.IsApproved() {
		verr.Problems = append(verr.Problems, appErrors.ErrTemplateNotApproved.Error())
		verr.Err = appErrors.ErrTemplateNotApproved
	}
	if unmapped := ValidateMapping(tpl, c.VariableMapping); len(unmapped) > 0 {
		verr.Unmapped = unmapped
	}

	if checkAudience {
		size, err := s.Resolver.Size(ctx, c.TenantID, c.AudienceID)
		if err != nil {
			return asValidation(err)
		}
		if size == 0 {
			verr.Problems = append(verr.Problems, appErrors.ErrEmptyAudience.Error())
			if verr.Err == nil {
				verr.Err = appErrors.ErrEmptyAudience
			}
		}
	}

	if _, err := s.Gateway.SenderFor(c.TenantID); err != nil {
		verr.Problems = append(verr.Problems, err.Error())
	}

	if len(verr.Problems) > 0 || len(verr.Unmapped) > 0 {
		return verr
	}
	return nil
}

// ====================== Queries ======================

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID string, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize = normalizePage(page, pageSize)
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, tenantID, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

func (s *CampaignService) GetCampaignDetails(ctx context.Context, tenantID string, id int) (*CampaignDetails, error) {
	c, err := s.loadCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.MessageRepo.GetCampaignStats(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}

	details := &CampaignDetails{Campaign: c, Variables: []string{}, Unmapped: []string{}, Stats: stats}
	tpl, err := s.TemplateRepo.GetByID(ctx, tenantID, c.TemplateID)
	if err != nil && !appErrors.IsNotFound(err) {
		return nil, err
	}
	if tpl != nil {
		details.Variables = ExtractVariables(tpl.Content())
		details.Unmapped = ValidateMapping(tpl, c.VariableMapping)
	}
	return details, nil
}

func (s *CampaignService) ListMessages(ctx context.Context, tenantID string, id int, status string, page, pageSize int) ([]*model.Message, map[string]int, error) {
	if _, err := s.loadCampaign(ctx, tenantID, id); err != nil {
		return nil, nil, err
	}
	page, pageSize = normalizePage(page, pageSize)
	msgs, total, err := s.MessageRepo.ListByCampaign(ctx, id, status, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return msgs, pagination(page, pageSize, total), nil
}

// RenderPreview renders the campaign's template for one recipient. An
// override replaces the template content for this preview only.
func (s *CampaignService) RenderPreview(ctx context.Context, tenantID string, campaignID, recipientID int, overrideTemplate *string) (string, error) {
	c, err := s.loadCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return "", err
	}
	recipient, err := s.Resolver.Lookup(ctx, tenantID, recipientID)
	if err != nil {
		return "", err
	}

	var content string
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		content = *overrideTemplate
	} else {
		tpl, err := s.TemplateRepo.GetByID(ctx, tenantID, c.TemplateID)
		if err != nil {
			return "", err
		}
		content = tpl.Content()
	}
	return Render(content, recipient, c.VariableMapping), nil
}

// ====================== Ad hoc sends ======================

// SendSingle sends one message outside any campaign. A gateway failure is
// recorded on the returned message rather than returned as an error.
func (s *CampaignService) SendSingle(ctx context.Context, tenantID, phone, content string) (*model.Message, error) {
	normalized, err := gateway.NormalizePhone(phone, s.DefaultRegion)
	if err != nil {
		return nil, appErrors.NewValidation(err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, appErrors.NewValidation(errors.New("content is required"))
	}
	sender, err := s.Gateway.SenderFor(tenantID)
	if err != nil {
		return nil, appErrors.NewValidation(err)
	}

	msg := &model.Message{TenantID: tenantID, Phone: normalized, Content: content, Status: model.MessagePending}
	if err := s.MessageRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	res, sendErr := sendWithTimeout(ctx, sender, gateway.SendRequest{
		To:             normalized,
		Body:           content,
		CorrelationRef: strconv.Itoa(msg.ID),
	}, s.SendTimeout)
	if ctx.Err() != nil {
		return msg, ctx.Err()
	}

	o := repository.Outcome{MessageID: msg.ID, Status: model.MessageSent, GatewayMessageID: res.GatewayMessageID, SentAt: time.Now()}
	if sendErr != nil {
		o.Status = model.MessageFailed
		o.ErrorDetail = sendErr.Error()
	}
	if err := s.MessageRepo.RecordOutcome(ctx, o); err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}

	msg.Status = o.Status
	msg.ErrorDetail = o.ErrorDetail
	msg.GatewayMessageID = o.GatewayMessageID
	msg.Attempts++
	msg.SentAt = &o.SentAt
	logrus.WithFields(logrus.Fields{"message_id": msg.ID, "status": msg.Status}).Info("single message dispatched")
	return msg, nil
}

// ====================== helpers ======================

// loadCampaign hides campaigns that belong to another tenant.
func (s *CampaignService) loadCampaign(ctx context.Context, tenantID string, id int) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, nil
}

func asValidation(err error) error {
	if appErrors.IsNotFound(err) {
		return &appErrors.ValidationError{Problems: []string{err.Error()}, Err: err}
	}
	return err
}

func cleanMapping(in model.VariableMapping) model.VariableMapping {
	out := model.VariableMapping{}
	for k, v := range in {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}
