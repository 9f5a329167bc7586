// internal/service/scheduler.go
package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatcher/internal/queue"
	"github.com/unclebandit/smsleopard-dispatcher/internal/repository"
)

// Scheduler periodically starts full runs for campaigns whose scheduled time
// has passed.
type Scheduler struct {
	Campaigns repository.CampaignRepositoryInterface
	Machine   *StateMachine
	Queue     queue.Queue
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		logrus.Info("scheduler already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(runCtx)
	logrus.WithField("interval", s.Interval).Info("scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	logrus.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every due campaign once. Failures are logged and left for the
// next tick; they never stop the loop.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	limit := s.BatchSize
	if limit <= 0 {
		limit = 100
	}

	due, err := s.Campaigns.ListDueScheduled(ctx, now, limit)
	if err != nil {
		logrus.WithError(err).Error("scheduler: failed to list due campaigns")
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return 0
	}

	started := 0
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		log := logrus.WithFields(logrus.Fields{"campaign_id": c.ID, "scheduled_for": c.ScheduledFor})

		prior := *c
		job, err := s.Machine.BeginRun(ctx, c, ActionTrigger)
		if err != nil {
			if appErrors.IsStateConflict(err) {
				log.Debug("scheduler: campaign already picked up")
			} else {
				log.WithError(err).Error("scheduler: failed to start campaign")
			}
			continue
		}

		if err := s.Queue.Publish(queue.DispatchTopic, job); err != nil {
			metrics.QueuePublishFailureTotal.WithLabelValues(queue.DispatchTopic).Inc()
			log.WithError(err).Error("scheduler: failed to enqueue run, returning campaign to scheduled")
			if abortErr := s.Machine.Abort(ctx, job, prior); abortErr != nil {
				log.WithError(abortErr).Error("scheduler: failed to release campaign")
			}
			continue
		}
		started++
		log.WithField("run_id", job.RunID).Info("scheduler: campaign dispatch started")
	}

	metrics.SchedulerTicksTotal.WithLabelValues("ok").Inc()
	return started
}
