package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
	"github.com/unclebandit/smsleopard-dispatcher/internal/repository"
	"github.com/unclebandit/smsleopard-dispatcher/internal/service"
)

const tenant = "acme"

// store backs every fake repository so they share one consistent view, the
// way the tables do in Postgres.
type store struct {
	mu         sync.Mutex
	now        time.Time
	campaigns  map[int]*model.Campaign
	messages   map[int]*model.Message
	recipients map[int]*model.Recipient
	templates  map[int]*model.Template
	audiences  map[int][]int
	nextID     int
}

func newStore() *store {
	return &store{
		now:        time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		campaigns:  map[int]*model.Campaign{},
		messages:   map[int]*model.Message{},
		recipients: map[int]*model.Recipient{},
		templates:  map[int]*model.Template{},
		audiences:  map[int][]int{},
	}
}

func (s *store) id() int {
	s.nextID++
	return s.nextID
}

func (s *store) addTemplate(body string, approved bool) *model.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &model.Template{ID: s.id(), TenantID: tenant, Name: "t", Body: body, ApprovalStatus: "pending"}
	if approved {
		t.ApprovalStatus = model.TemplateApproved
	}
	s.templates[t.ID] = t
	return t
}

func (s *store) addRecipient(name, phone string, custom map[string]any) *model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &model.Recipient{ID: s.id(), TenantID: tenant, Name: name, Phone: phone, CustomFields: custom}
	s.recipients[r.ID] = r
	return r
}

func (s *store) addAudience(members ...*model.Recipient) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	ids := []int{}
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	s.audiences[id] = ids
	return id
}

func (s *store) addCampaign(c *model.Campaign) *model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	if c.TenantID == "" {
		c.TenantID = tenant
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return c
}

func (s *store) campaign(id int) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *store) campaignMessages(id int) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Message{}
	for _, m := range s.sortedMessages() {
		if m.CampaignID != nil && *m.CampaignID == id {
			out = append(out, *m)
		}
	}
	return out
}

func (s *store) sortedMessages() []*model.Message {
	out := make([]*model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ====================== campaigns ======================

type fakeCampaignRepo struct{ s *store }

func (r *fakeCampaignRepo) Create(_ context.Context, c *model.Campaign) error {
	r.s.addCampaign(c)
	return nil
}

func (r *fakeCampaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *fakeCampaignRepo) ListCampaigns(_ context.Context, tenantID string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := []*model.Campaign{}
	for _, c := range r.s.campaigns {
		if c.TenantID == tenantID && (status == "" || c.Status == status) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (r *fakeCampaignRepo) UpdateDraft(_ context.Context, c *model.Campaign) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := r.s.campaigns[c.ID]
	if cur == nil || cur.Status != model.CampaignDraft {
		return false, nil
	}
	cur.Name, cur.Description, cur.TemplateID, cur.VariableMapping = c.Name, c.Description, c.TemplateID, c.VariableMapping
	return true, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *fakeCampaignRepo) TransitionStatus(_ context.Context, id int, from []string, to string, scheduledFor *time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.campaigns[id]
	if c == nil || !contains(from, c.Status) {
		return false, nil
	}
	c.Status = to
	if scheduledFor != nil {
		c.ScheduledFor = scheduledFor
	}
	return true, nil
}

func (r *fakeCampaignRepo) BeginRun(_ context.Context, id int, runID, mode string, from []string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.campaigns[id]
	if c == nil || !contains(from, c.Status) {
		return false, nil
	}
	r.s.lease(c, runID, mode)
	return true, nil
}

func (r *fakeCampaignRepo) TakeOverRun(_ context.Context, id int, staleRunID, runID, mode string, staleAfter time.Duration, adopt bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.campaigns[id]
	if c == nil || c.Status != model.CampaignSending || c.RunID != staleRunID {
		return false, nil
	}
	if c.HeartbeatAt != nil && !c.HeartbeatAt.Before(r.s.now.Add(-staleAfter)) {
		return false, nil
	}
	r.s.lease(c, runID, mode)
	if adopt {
		r.s.adopt(id, staleRunID, runID)
	}
	return true, nil
}

// lease and adopt must be called with s.mu held.
func (s *store) adopt(campaignID int, fromRunID, toRunID string) int {
	n := 0
	for _, m := range s.messages {
		if inCampaign(m, campaignID) && m.RunID == fromRunID &&
			(m.Status == model.MessageSent || m.Status == model.MessageDelivered) {
			m.RunID = toRunID
			n++
		}
	}
	return n
}

func (s *store) lease(c *model.Campaign, runID, mode string) {
	now := s.now
	c.Status, c.RunID, c.RunMode = model.CampaignSending, runID, mode
	c.HeartbeatAt, c.StartedAt, c.CompletedAt = &now, &now, nil
}

func (r *fakeCampaignRepo) Heartbeat(_ context.Context, id int, runID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.campaigns[id]
	if c == nil || c.RunID != runID || c.Status != model.CampaignSending {
		return false, nil
	}
	now := r.s.now
	c.HeartbeatAt = &now
	return true, nil
}

func (r *fakeCampaignRepo) CompleteRun(_ context.Context, id int, runID string, reports model.ReportsData) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.campaigns[id]
	if c == nil || c.RunID != runID || c.Status != model.CampaignSending {
		return false, nil
	}
	sent, failed := 0, 0
	for _, m := range r.s.messages {
		if m.CampaignID == nil || *m.CampaignID != id || m.RunID != runID {
			continue
		}
		switch m.Status {
		case model.MessageSent, model.MessageDelivered:
			sent++
		case model.MessageFailed:
			failed++
		}
	}
	c.Status, c.SentCount, c.FailedCount, c.ReportsData = model.CampaignSent, sent, failed, reports
	c.HeartbeatAt = nil
	return true, nil
}

func (r *fakeCampaignRepo) CompleteRetryRun(_ context.Context, id int, runID string, reports model.ReportsData) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.campaigns[id]
	if c == nil || c.RunID != runID || c.Status != model.CampaignSending {
		return false, nil
	}
	recovered := 0
	for _, m := range r.s.messages {
		if m.CampaignID != nil && *m.CampaignID == id && m.RunID == runID &&
			(m.Status == model.MessageSent || m.Status == model.MessageDelivered) {
			recovered++
		}
	}
	c.Status = model.CampaignSent
	c.SentCount += recovered
	c.FailedCount -= recovered
	if c.FailedCount < 0 {
		c.FailedCount = 0
	}
	c.ReportsData = reports
	c.HeartbeatAt = nil
	return true, nil
}

func (r *fakeCampaignRepo) AbortRun(_ context.Context, id int, runID, status, restoreRunID, restoreMode string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.campaigns[id]
	if c == nil || c.RunID != runID || c.Status != model.CampaignSending {
		return false, nil
	}
	c.Status, c.RunID, c.RunMode, c.HeartbeatAt, c.StartedAt = status, restoreRunID, restoreMode, nil, nil
	if restoreRunID != "" {
		for _, m := range r.s.messages {
			if inCampaign(m, id) && m.RunID == runID {
				m.RunID = restoreRunID
			}
		}
	}
	return true, nil
}

func (r *fakeCampaignRepo) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	due := []*model.Campaign{}
	for _, c := range r.s.campaigns {
		if c.Status == model.CampaignScheduled && c.ScheduledFor != nil && !c.ScheduledFor.After(now) {
			cp := *c
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ====================== messages ======================

type fakeMessageRepo struct{ s *store }

func (r *fakeMessageRepo) UpsertPending(_ context.Context, m *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.messages {
		if cur.CampaignID != nil && m.CampaignID != nil && *cur.CampaignID == *m.CampaignID &&
			cur.RecipientID != nil && m.RecipientID != nil && *cur.RecipientID == *m.RecipientID {
			cur.Phone, cur.Content, cur.Status, cur.ErrorDetail, cur.GatewayMessageID, cur.RunID =
				m.Phone, m.Content, model.MessagePending, "", "", m.RunID
			m.ID, m.Attempts, m.Status = cur.ID, cur.Attempts, model.MessagePending
			return nil
		}
	}
	m.ID = r.s.id()
	m.Status = model.MessagePending
	m.CreatedAt = r.s.now
	cp := *m
	r.s.messages[m.ID] = &cp
	return nil
}

func (r *fakeMessageRepo) Create(_ context.Context, m *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m.ID = r.s.id()
	if m.Status == "" {
		m.Status = model.MessagePending
	}
	cp := *m
	r.s.messages[m.ID] = &cp
	return nil
}

func (r *fakeMessageRepo) RecordOutcome(_ context.Context, o repository.Outcome) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[o.MessageID]
	if !ok {
		return appErrors.NewNotFound("message", o.MessageID)
	}
	m.Status, m.ErrorDetail = o.Status, o.ErrorDetail
	if o.GatewayMessageID != "" {
		m.GatewayMessageID = o.GatewayMessageID
	}
	if o.RunID != "" {
		m.RunID = o.RunID
	}
	if o.Phone != "" {
		m.Phone = o.Phone
	}
	if o.Content != "" {
		m.Content = o.Content
	}
	sentAt := o.SentAt
	m.SentAt = &sentAt
	m.Attempts++
	return nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id int) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *fakeMessageRepo) FindByGatewayID(_ context.Context, gatewayMessageID string) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	msgs := r.s.sortedMessages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].GatewayMessageID == gatewayMessageID {
			cp := *msgs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeMessageRepo) FindLatestByPhone(_ context.Context, phone string, campaignID *int) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	msgs := r.s.sortedMessages()
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Phone != phone {
			continue
		}
		if campaignID != nil && (m.CampaignID == nil || *m.CampaignID != *campaignID) {
			continue
		}
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeMessageRepo) filter(keep func(*model.Message) bool) []*model.Message {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Message{}
	for _, m := range r.s.sortedMessages() {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

func inCampaign(m *model.Message, id int) bool {
	return m.CampaignID != nil && *m.CampaignID == id
}

func (r *fakeMessageRepo) ListByCampaign(_ context.Context, campaignID int, status string, offset, limit int) ([]*model.Message, int, error) {
	all := r.filter(func(m *model.Message) bool {
		return inCampaign(m, campaignID) && (status == "" || m.Status == status)
	})
	if offset >= len(all) {
		return []*model.Message{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (r *fakeMessageRepo) ListFailed(_ context.Context, campaignID int) ([]*model.Message, error) {
	return r.filter(func(m *model.Message) bool {
		return inCampaign(m, campaignID) && m.Status == model.MessageFailed
	}), nil
}

func (r *fakeMessageRepo) ListByRun(_ context.Context, campaignID int, runID string) ([]*model.Message, error) {
	return r.filter(func(m *model.Message) bool {
		return inCampaign(m, campaignID) && m.RunID == runID
	}), nil
}

func (r *fakeMessageRepo) AdoptRun(_ context.Context, campaignID int, fromRunID, toRunID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.adopt(campaignID, fromRunID, toRunID), nil
}

func (r *fakeMessageRepo) CountFailed(ctx context.Context, campaignID int) (int, error) {
	failed, _ := r.ListFailed(ctx, campaignID)
	return len(failed), nil
}

func (r *fakeMessageRepo) GetCampaignStats(_ context.Context, campaignID int) (map[string]int, error) {
	stats := map[string]int{"total": 0, "pending": 0, "sent": 0, "delivered": 0, "failed": 0}
	for _, m := range r.filter(func(m *model.Message) bool { return inCampaign(m, campaignID) }) {
		stats[m.Status]++
		stats["total"]++
	}
	return stats, nil
}

func (r *fakeMessageRepo) ApplyDeliveryStatus(_ context.Context, m *model.Message, next, errorDetail string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.messages[m.ID]
	if !ok || cur.Status != m.Status {
		return false, nil
	}
	sent, failed := model.CounterDelta(cur.Status, next)
	cur.Status, cur.ErrorDetail = next, errorDetail
	if m.CampaignID != nil {
		c := r.s.campaigns[*m.CampaignID]
		// the active run settles its own messages when it completes
		if c != nil && !(c.Status == model.CampaignSending && c.RunID != "" && c.RunID == cur.RunID) {
			c.SentCount = max(c.SentCount+sent, 0)
			c.FailedCount = max(c.FailedCount+failed, 0)
		}
	}
	m.Status, m.ErrorDetail = next, errorDetail
	return true, nil
}

// ====================== recipients & templates ======================

type fakeRecipientRepo struct{ s *store }

func (r *fakeRecipientRepo) GetByID(_ context.Context, tenantID string, id int) (*model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := r.s.recipients[id]
	if !ok || rc.TenantID != tenantID {
		return nil, appErrors.NewNotFound("recipient", id)
	}
	cp := *rc
	return &cp, nil
}

func (r *fakeRecipientRepo) ListAudience(_ context.Context, tenantID string, audienceID int) ([]model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.Recipient{}
	for _, id := range r.s.audiences[audienceID] {
		if rc, ok := r.s.recipients[id]; ok && rc.TenantID == tenantID {
			out = append(out, *rc)
		}
	}
	return out, nil
}

func (r *fakeRecipientRepo) CountAudience(ctx context.Context, tenantID string, audienceID int) (int, error) {
	r.s.mu.Lock()
	_, ok := r.s.audiences[audienceID]
	r.s.mu.Unlock()
	if !ok {
		return 0, appErrors.NewNotFound("audience", audienceID)
	}
	members, _ := r.ListAudience(ctx, tenantID, audienceID)
	seen := map[int]bool{}
	for _, m := range members {
		seen[m.ID] = true
	}
	return len(seen), nil
}

type fakeTemplateRepo struct{ s *store }

func (r *fakeTemplateRepo) GetByID(_ context.Context, tenantID string, id int) (*model.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok || t.TenantID != tenantID {
		return nil, appErrors.NewNotFound("template", id)
	}
	cp := *t
	return &cp, nil
}

// ====================== gateway & queue ======================

// fakeSender records every request. failOn decides per call whether to fail.
type fakeSender struct {
	mu     sync.Mutex
	calls  []gateway.SendRequest
	failOn func(n int, req gateway.SendRequest) error
}

func (f *fakeSender) Send(ctx context.Context, req gateway.SendRequest) (gateway.SendResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()

	if f.failOn != nil {
		if err := f.failOn(n, req); err != nil {
			return gateway.SendResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return gateway.SendResult{}, err
	}
	return gateway.SendResult{GatewayMessageID: fmt.Sprintf("gw-%d", n)}, nil
}

func (f *fakeSender) sent() []gateway.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.SendRequest{}, f.calls...)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []model.DispatchJob
	err  error
}

func (q *fakeQueue) Publish(_ string, payload any) error {
	if q.err != nil {
		return q.err
	}
	job, err := model.DecodeDispatchJob(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Subscribe(string, func(any) error) error { return nil }

func (q *fakeQueue) published() []model.DispatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.DispatchJob{}, q.jobs...)
}

// ====================== harness ======================

type harness struct {
	store      *store
	sender     *fakeSender
	queue      *fakeQueue
	campaigns  *fakeCampaignRepo
	messages   *fakeMessageRepo
	machine    *service.StateMachine
	service    *service.CampaignService
	dispatcher *service.Dispatcher
	reconciler *service.Reconciler
}

func newHarness() *harness {
	s := newStore()
	h := &harness{
		store:     s,
		sender:    &fakeSender{},
		queue:     &fakeQueue{},
		campaigns: &fakeCampaignRepo{s: s},
		messages:  &fakeMessageRepo{s: s},
	}
	var runs atomic.Int64
	h.machine = &service.StateMachine{
		Campaigns:  h.campaigns,
		StaleAfter: 10 * time.Minute,
		NewRunID: func() string {
			return fmt.Sprintf("run-%d", runs.Add(1))
		},
	}
	resolver := &service.RecipientResolver{Repo: &fakeRecipientRepo{s: s}}
	templates := &fakeTemplateRepo{s: s}
	provider := gateway.StaticProvider{Sender: h.sender}

	h.service = &service.CampaignService{
		CampaignRepo:  h.campaigns,
		MessageRepo:   h.messages,
		TemplateRepo:  templates,
		Resolver:      resolver,
		Machine:       h.machine,
		Gateway:       provider,
		Queue:         h.queue,
		SendTimeout:   time.Second,
		DefaultRegion: "KE",
	}
	h.dispatcher = &service.Dispatcher{
		Campaigns:     h.campaigns,
		Messages:      h.messages,
		Templates:     templates,
		Resolver:      resolver,
		Machine:       h.machine,
		Gateway:       provider,
		SendTimeout:   time.Second,
		DefaultRegion: "KE",
		Now:           func() time.Time { return s.now },
	}
	h.reconciler = &service.Reconciler{Messages: h.messages, DefaultRegion: "KE"}
	return h
}

// seedCampaign creates an approved template, n recipients in one audience and
// a draft campaign whose mapping covers every variable.
func (h *harness) seedCampaign(n int) *model.Campaign {
	tpl := h.store.addTemplate("Hi {{name}}, your code is {{code}}", true)
	members := []*model.Recipient{}
	for i := 1; i <= n; i++ {
		members = append(members, h.store.addRecipient(
			fmt.Sprintf("R%d", i),
			fmt.Sprintf("+2547123456%02d", i),
			map[string]any{"code": fmt.Sprintf("C%d", i)},
		))
	}
	audience := h.store.addAudience(members...)
	return h.store.addCampaign(&model.Campaign{
		Name:            "promo",
		TemplateID:      tpl.ID,
		AudienceID:      audience,
		VariableMapping: model.VariableMapping{"name": "name", "code": "custom_fields.code"},
	})
}

// start begins a run through the service and executes it synchronously.
func (h *harness) start(ctx context.Context, begin func(context.Context, string, int) (model.DispatchJob, error), id int) (model.RunSummary, error) {
	job, err := begin(ctx, tenant, id)
	if err != nil {
		return model.RunSummary{}, err
	}
	return h.dispatcher.Run(ctx, job)
}

func itoa(n int) string { return fmt.Sprint(n) }
