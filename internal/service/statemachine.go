// internal/service/statemachine.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
	"github.com/unclebandit/smsleopard-dispatcher/internal/repository"
)

// Action is a request to move a campaign through its lifecycle.
type Action string

const (
	ActionSchedule Action = "schedule"
	ActionSendNow  Action = "send"
	ActionTrigger  Action = "trigger"
	ActionRetry    Action = "retry"
	ActionResend   Action = "resend"
)

type transition struct {
	from []string
	to   string
	mode string
	// stale runs left in sending by a dead worker may be taken over
	takeover bool
}

var transitions = map[Action]transition{
	ActionSchedule: {from: []string{model.CampaignDraft}, to: model.CampaignScheduled},
	ActionSendNow:  {from: []string{model.CampaignDraft, model.CampaignScheduled}, to: model.CampaignSending, mode: model.RunFull},
	ActionTrigger:  {from: []string{model.CampaignScheduled}, to: model.CampaignSending, mode: model.RunFull},
	ActionRetry:    {from: []string{model.CampaignSent}, to: model.CampaignSending, mode: model.RunRetry, takeover: true},
	ActionResend:   {from: []string{model.CampaignSent}, to: model.CampaignSending, mode: model.RunResend, takeover: true},
}

// Allowed reports whether action is legal from status, ignoring stale takeover.
func Allowed(status string, action Action) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	for _, f := range t.from {
		if f == status {
			return true
		}
	}
	return false
}

// StateMachine is the only writer of campaign lifecycle status. Every entry
// point goes through it and every write is a compare-and-set in storage.
type StateMachine struct {
	Campaigns  repository.CampaignRepositoryInterface
	StaleAfter time.Duration
	NewRunID   func() string
}

func (m *StateMachine) newRunID() string {
	if m.NewRunID != nil {
		return m.NewRunID()
	}
	return uuid.NewString()
}

// Schedule moves a draft to scheduled with the given due time.
func (m *StateMachine) Schedule(ctx context.Context, c *model.Campaign, at time.Time) error {
	t := transitions[ActionSchedule]
	ok, err := m.Campaigns.TransitionStatus(ctx, c.ID, t.from, t.to, &at)
	if err != nil {
		return fmt.Errorf("schedule campaign %d: %w", c.ID, err)
	}
	if !ok {
		return m.conflict(ctx, c, ActionSchedule)
	}
	c.Status = t.to
	c.ScheduledFor = &at
	logrus.WithFields(logrus.Fields{"campaign_id": c.ID, "scheduled_for": at}).Info("campaign scheduled")
	return nil
}

// BeginRun atomically takes the campaign's sending lease and returns the job
// describing the run. A second caller racing for the same campaign gets a
// state conflict. Retry and resend may take over a sending campaign whose run
// has stopped heartbeating.
func (m *StateMachine) BeginRun(ctx context.Context, c *model.Campaign, action Action) (model.DispatchJob, error) {
	t, ok := transitions[action]
	if !ok || t.mode == "" {
		return model.DispatchJob{}, fmt.Errorf("action %q does not start a run", action)
	}

	job := model.DispatchJob{CampaignID: c.ID, TenantID: c.TenantID, RunID: m.newRunID(), Mode: t.mode}
	var err error
	if t.takeover && c.Status == model.CampaignSending && m.StaleAfter > 0 {
		job.Mode, job.ResumeFrom = takeoverPlan(action, c)
		ok, err = m.Campaigns.TakeOverRun(ctx, c.ID, c.RunID, job.RunID, job.Mode, m.StaleAfter, job.ResumeFrom != "")
	} else {
		ok, err = m.Campaigns.BeginRun(ctx, c.ID, job.RunID, job.Mode, t.from)
	}
	if err != nil {
		return model.DispatchJob{}, fmt.Errorf("begin %s run for campaign %d: %w", job.Mode, c.ID, err)
	}
	if !ok {
		return model.DispatchJob{}, m.conflict(ctx, c, action)
	}

	log := logrus.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"run_id":      job.RunID,
		"mode":        job.Mode,
		"action":      action,
	})
	if c.Status == model.CampaignSending {
		log = log.WithField("stale_run_id", c.RunID)
	}
	c.Status = model.CampaignSending
	c.RunID = job.RunID
	c.RunMode = job.Mode
	log.Info("campaign run started")
	return job, nil
}

// takeoverPlan decides how a stale run is replaced. Resend starts over. Retry
// resumes the stale run in its own mode: a full or resend run still owes its
// pending and unattempted recipients.
func takeoverPlan(action Action, c *model.Campaign) (mode, resumeFrom string) {
	if action != ActionRetry {
		return transitions[action].mode, ""
	}
	switch c.RunMode {
	case model.RunRetry, model.RunResend:
		return c.RunMode, c.RunID
	default:
		return model.RunFull, c.RunID
	}
}

// Heartbeat renews the lease; ErrRunSuperseded means another run owns it now.
func (m *StateMachine) Heartbeat(ctx context.Context, job model.DispatchJob) error {
	ok, err := m.Campaigns.Heartbeat(ctx, job.CampaignID, job.RunID)
	if err != nil {
		return fmt.Errorf("heartbeat campaign %d: %w", job.CampaignID, err)
	}
	if !ok {
		return appErrors.ErrRunSuperseded
	}
	return nil
}

// Complete moves the campaign to sent exactly once per run. Full and resend
// runs overwrite the counters; retry runs shift recovered messages across.
func (m *StateMachine) Complete(ctx context.Context, job model.DispatchJob, reports model.ReportsData) error {
	var (
		ok  bool
		err error
	)
	if job.Mode == model.RunRetry {
		ok, err = m.Campaigns.CompleteRetryRun(ctx, job.CampaignID, job.RunID, reports)
	} else {
		ok, err = m.Campaigns.CompleteRun(ctx, job.CampaignID, job.RunID, reports)
	}
	if err != nil {
		return fmt.Errorf("complete campaign %d: %w", job.CampaignID, err)
	}
	if !ok {
		return appErrors.ErrRunSuperseded
	}
	return nil
}

// Abort releases a lease whose job could not be handed to a worker, putting
// back the status and run prior had when BeginRun was called.
func (m *StateMachine) Abort(ctx context.Context, job model.DispatchJob, prior model.Campaign) error {
	ok, err := m.Campaigns.AbortRun(ctx, job.CampaignID, job.RunID, prior.Status, prior.RunID, prior.RunMode)
	if err != nil {
		return fmt.Errorf("abort run for campaign %d: %w", job.CampaignID, err)
	}
	if !ok {
		logrus.WithFields(logrus.Fields{"campaign_id": job.CampaignID, "run_id": job.RunID}).
			Warn("abort found the run already moved on")
	}
	return nil
}

// conflict re-reads the campaign so the error names the status that blocked it.
func (m *StateMachine) conflict(ctx context.Context, c *model.Campaign, action Action) error {
	status := c.Status
	if fresh, err := m.Campaigns.GetByID(ctx, c.ID); err == nil {
		status = fresh.Status
		c.Status = fresh.Status
	}
	return appErrors.NewStateConflict(c.ID, status, string(action))
}
