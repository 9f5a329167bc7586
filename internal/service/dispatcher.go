// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatcher/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
	"github.com/unclebandit/smsleopard-dispatcher/internal/repository"
)

// Dispatcher executes dispatch runs: one recipient at a time, a fixed delay
// between attempts, and a bounded wait on each gateway call.
type Dispatcher struct {
	Campaigns     repository.CampaignRepositoryInterface
	Messages      repository.MessageRepositoryInterface
	Templates     repository.TemplateRepositoryInterface
	Resolver      *RecipientResolver
	Machine       *StateMachine
	Gateway       gateway.Provider
	Delay         time.Duration
	SendTimeout   time.Duration
	DefaultRegion string
	Now           func() time.Time

	mu     sync.Mutex
	active map[int]string
}

// target is one unit of work. For retry runs message is the failed row and
// recipient is nil when the recipient has since been deleted.
type target struct {
	recipientID int
	recipient   *model.Recipient
	message     *model.Message
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Handler adapts Run to a queue subscription bound to ctx.
func (d *Dispatcher) Handler(ctx context.Context) func(payload any) error {
	return func(payload any) error {
		job, err := model.DecodeDispatchJob(payload)
		if err != nil {
			logrus.WithError(err).Error("dispatch: dropping undecodable job")
			return nil
		}
		_, err = d.Run(ctx, job)
		if errors.Is(err, appErrors.ErrRunSuperseded) {
			return nil
		}
		return err
	}
}

// Run executes the run described by job. Per-recipient failures are recorded
// and never abort the run. Storage errors and cancellation do, leaving the
// campaign in sending with every recorded outcome intact.
func (d *Dispatcher) Run(ctx context.Context, job model.DispatchJob) (model.RunSummary, error) {
	summary := model.RunSummary{CampaignID: job.CampaignID, RunID: job.RunID, Mode: job.Mode}
	log := logrus.WithFields(logrus.Fields{
		"campaign_id": job.CampaignID,
		"run_id":      job.RunID,
		"mode":        job.Mode,
	})

	if !d.claim(job) {
		log.Warn("dispatch: run already active in this process")
		return summary, nil
	}
	defer d.release(job)

	c, err := d.Campaigns.GetByID(ctx, job.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Warn("dispatch: campaign vanished, dropping job")
			return summary, nil
		}
		return summary, fmt.Errorf("load campaign: %w", err)
	}
	if c.Status != model.CampaignSending || c.RunID != job.RunID {
		log.WithField("status", c.Status).Warn("dispatch: job no longer holds the campaign lease")
		return summary, nil
	}
	// the takeover adopted the stale run's messages; this picks up anything
	// its worker recorded after that
	if job.ResumeFrom != "" {
		n, err := d.Messages.AdoptRun(ctx, c.ID, job.ResumeFrom, job.RunID)
		if err != nil {
			return summary, fmt.Errorf("adopt stale run messages: %w", err)
		}
		log.WithFields(logrus.Fields{"stale_run_id": job.ResumeFrom, "adopted": n}).Info("dispatch: resuming stale run")
	}

	tpl, err := d.Templates.GetByID(ctx, c.TenantID, c.TemplateID)
	if err != nil {
		return summary, fmt.Errorf("load template: %w", err)
	}
	sender, err := d.Gateway.SenderFor(c.TenantID)
	if err != nil {
		return summary, err
	}

	targets, err := d.targets(ctx, c, job)
	if err != nil {
		return summary, err
	}

	// Outcomes already recorded under this run id come from an earlier,
	// interrupted delivery of the same job and are not sent again.
	finished, err := d.finished(ctx, c.ID, job)
	if err != nil {
		return summary, err
	}
	if job.Mode == model.RunRetry {
		targets = withRecovered(targets, finished)
	}

	log.WithField("targets", len(targets)).Info("dispatch: run started")
	reports := model.ReportsData{}
	attempted := false
	for _, t := range targets {
		if m, ok := finished[d.key(job, t)]; ok {
			summary.Attempted++
			tally(&summary, m.Status)
			reports = append(reports, m.Report())
			continue
		}

		if attempted {
			if err := d.wait(ctx); err != nil {
				log.WithField("summary", summary.String()).Warn("dispatch: run interrupted, campaign left sending")
				metrics.DispatchRunsTotal.WithLabelValues(job.Mode, "interrupted").Inc()
				return summary, err
			}
		}
		attempted = true

		entry, err := d.attempt(ctx, sender, c, tpl, job, t)
		if err != nil {
			log.WithError(err).WithField("summary", summary.String()).Warn("dispatch: run stopped, campaign left sending")
			metrics.DispatchRunsTotal.WithLabelValues(job.Mode, "interrupted").Inc()
			return summary, err
		}
		summary.Attempted++
		tally(&summary, entry.Status)
		reports = append(reports, entry)
		metrics.DispatchMessagesTotal.WithLabelValues(job.Mode, entry.Status).Inc()

		if err := d.Machine.Heartbeat(ctx, job); err != nil {
			log.WithError(err).Warn("dispatch: lost campaign lease")
			metrics.DispatchRunsTotal.WithLabelValues(job.Mode, "superseded").Inc()
			return summary, err
		}
	}

	if job.Mode == model.RunRetry {
		limit := len(c.ReportsData)
		if len(reports) > limit {
			limit = len(reports)
		}
		reports = model.MergeReports(c.ReportsData, reports, limit)
	}
	if err := d.Machine.Complete(ctx, job, reports); err != nil {
		return summary, err
	}

	metrics.DispatchRunsTotal.WithLabelValues(job.Mode, "completed").Inc()
	log.WithFields(logrus.Fields{
		"attempted": summary.Attempted,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("dispatch: run completed, " + summary.String())
	return summary, nil
}

func (d *Dispatcher) targets(ctx context.Context, c *model.Campaign, job model.DispatchJob) ([]target, error) {
	if job.Mode != model.RunRetry {
		recipients, err := d.Resolver.Resolve(ctx, c.TenantID, c.AudienceID)
		if err != nil {
			return nil, err
		}
		out := make([]target, 0, len(recipients))
		for i := range recipients {
			out = append(out, target{recipientID: recipients[i].ID, recipient: &recipients[i]})
		}
		return out, nil
	}

	failed, err := d.Messages.ListFailed(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list failed messages: %w", err)
	}
	out := make([]target, 0, len(failed))
	for _, m := range failed {
		t := target{message: m}
		if m.RecipientID != nil {
			t.recipientID = *m.RecipientID
			rc, err := d.Resolver.Lookup(ctx, c.TenantID, *m.RecipientID)
			if err != nil && !appErrors.IsNotFound(err) {
				return nil, fmt.Errorf("re-resolve recipient %d: %w", *m.RecipientID, err)
			}
			t.recipient = rc
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *Dispatcher) finished(ctx context.Context, campaignID int, job model.DispatchJob) (map[int]*model.Message, error) {
	msgs, err := d.Messages.ListByRun(ctx, campaignID, job.RunID)
	if err != nil {
		return nil, fmt.Errorf("list run messages: %w", err)
	}
	out := make(map[int]*model.Message, len(msgs))
	for _, m := range msgs {
		if m.Status == model.MessagePending {
			continue
		}
		if job.Mode == model.RunRetry {
			out[m.ID] = m
		} else if m.RecipientID != nil {
			out[*m.RecipientID] = m
		}
	}
	return out, nil
}

// withRecovered adds messages this retry run, or the stale run it resumed,
// already moved out of failed, so they still appear in the run's summary and
// reports.
func withRecovered(targets []target, finished map[int]*model.Message) []target {
	listed := make(map[int]bool, len(targets))
	for _, t := range targets {
		listed[t.message.ID] = true
	}
	for id, m := range finished {
		if !listed[id] {
			targets = append(targets, target{message: m})
		}
	}
	return targets
}

func (d *Dispatcher) key(job model.DispatchJob, t target) int {
	if job.Mode == model.RunRetry {
		return t.message.ID
	}
	return t.recipientID
}

// attempt renders and sends one message and records its outcome. The returned
// error is reserved for failures that must stop the run.
func (d *Dispatcher) attempt(ctx context.Context, sender gateway.Sender, c *model.Campaign, tpl *model.Template, job model.DispatchJob, t target) (model.ReportEntry, error) {
	log := logrus.WithFields(logrus.Fields{"campaign_id": c.ID, "run_id": job.RunID, "recipient_id": t.recipientID})

	if t.recipient == nil {
		now := d.now()
		o := repository.Outcome{
			MessageID:   t.message.ID,
			RunID:       job.RunID,
			Status:      model.MessageFailed,
			ErrorDetail: "recipient no longer exists",
			SentAt:      now,
		}
		if err := d.Messages.RecordOutcome(ctx, o); err != nil {
			return model.ReportEntry{}, fmt.Errorf("record outcome: %w", err)
		}
		log.Warn("dispatch: recipient no longer exists")
		return model.ReportEntry{MessageID: o.MessageID, Phone: t.message.Phone, Status: o.Status, ErrorDetail: o.ErrorDetail, SentAt: &now}, nil
	}

	content := Render(tpl.Content(), t.recipient, c.VariableMapping)
	phone, phoneErr := gateway.NormalizePhone(t.recipient.Phone, d.DefaultRegion)
	if phoneErr != nil {
		phone = t.recipient.Phone
	}

	var messageID int
	if job.Mode == model.RunRetry {
		messageID = t.message.ID
	} else {
		rid := t.recipient.ID
		msg := &model.Message{
			TenantID:    c.TenantID,
			CampaignID:  &c.ID,
			RecipientID: &rid,
			Phone:       phone,
			Content:     content,
			RunID:       job.RunID,
		}
		if err := d.Messages.UpsertPending(ctx, msg); err != nil {
			return model.ReportEntry{}, fmt.Errorf("record pending message: %w", err)
		}
		messageID = msg.ID
	}

	o := repository.Outcome{MessageID: messageID, RunID: job.RunID, Phone: phone, Content: content}
	if phoneErr != nil {
		o.Status = model.MessageFailed
		o.ErrorDetail = phoneErr.Error()
	} else {
		res, err := d.send(ctx, sender, gateway.SendRequest{
			To:             phone,
			Body:           content,
			TemplateID:     strconv.Itoa(tpl.ID),
			CorrelationRef: strconv.Itoa(messageID),
		})
		if ctx.Err() != nil {
			return model.ReportEntry{}, ctx.Err()
		}
		if err != nil {
			o.Status = model.MessageFailed
			o.ErrorDetail = err.Error()
		} else {
			o.Status = model.MessageSent
			o.GatewayMessageID = res.GatewayMessageID
		}
	}
	o.SentAt = d.now()

	if err := d.Messages.RecordOutcome(ctx, o); err != nil {
		return model.ReportEntry{}, fmt.Errorf("record outcome: %w", err)
	}

	if o.Status == model.MessageFailed {
		log.WithFields(logrus.Fields{"phone": phone, "error": o.ErrorDetail}).Warn("dispatch: message failed")
	} else {
		log.WithField("phone", phone).Debug("dispatch: message sent")
	}
	sentAt := o.SentAt
	return model.ReportEntry{MessageID: messageID, Phone: phone, Status: o.Status, ErrorDetail: o.ErrorDetail, SentAt: &sentAt}, nil
}

func (d *Dispatcher) send(ctx context.Context, sender gateway.Sender, req gateway.SendRequest) (gateway.SendResult, error) {
	return sendWithTimeout(ctx, sender, req, d.SendTimeout)
}

// sendWithTimeout bounds one gateway call; exceeding the timeout is an
// ordinary send failure, not a cancellation.
func sendWithTimeout(ctx context.Context, sender gateway.Sender, req gateway.SendRequest, timeout time.Duration) (gateway.SendResult, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := sender.Send(sendCtx, req)
	metrics.DispatchSendDuration.Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("send timed out after %s", timeout)
	}
	return res, err
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) claim(job model.DispatchJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		d.active = make(map[int]string)
	}
	if _, busy := d.active[job.CampaignID]; busy {
		return false
	}
	d.active[job.CampaignID] = job.RunID
	return true
}

func (d *Dispatcher) release(job model.DispatchJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, job.CampaignID)
}

func tally(s *model.RunSummary, status string) {
	switch status {
	case model.MessageSent, model.MessageDelivered:
		s.Succeeded++
	case model.MessageFailed:
		s.Failed++
	}
}
