// internal/service/reconciler.go
package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-dispatcher/internal/cache"
	"github.com/unclebandit/smsleopard-dispatcher/internal/gateway"
	"github.com/unclebandit/smsleopard-dispatcher/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
	"github.com/unclebandit/smsleopard-dispatcher/internal/repository"
)

// DeliveryReport is an inbound status callback from the gateway.
type DeliveryReport struct {
	Phone            string
	Status           string
	CorrelationRef   string
	GatewayMessageID string
	Reason           string
	CampaignID       *int
	Timestamp        time.Time
}

// Reconcile outcomes. Every one of them is acknowledged to the gateway.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeUnmatched = "unmatched"
	OutcomeIgnored   = "ignored"
)

// Reconciler applies delivery reports to messages and campaign counters.
// Counter changes are deltas guarded by the message's prior status, so a
// replayed report never counts twice.
type Reconciler struct {
	Messages      repository.MessageRepositoryInterface
	Cache         cache.Deduper
	DefaultRegion string
}

func (r *Reconciler) Apply(ctx context.Context, report DeliveryReport) (string, error) {
	outcome, err := r.apply(ctx, report)
	if err == nil {
		metrics.DeliveryCallbacksTotal.WithLabelValues(outcome).Inc()
	}
	return outcome, err
}

func (r *Reconciler) apply(ctx context.Context, report DeliveryReport) (string, error) {
	log := logrus.WithFields(logrus.Fields{
		"phone":              report.Phone,
		"status":             report.Status,
		"correlation_ref":    report.CorrelationRef,
		"gateway_message_id": report.GatewayMessageID,
	})

	next := model.NormalizeMessageStatus(report.Status)
	if next == "" {
		log.Warn("reconciler: ignoring report with unknown status")
		return OutcomeIgnored, nil
	}

	msg, err := r.locate(ctx, report)
	if err != nil {
		return "", fmt.Errorf("locate message: %w", err)
	}
	if msg == nil {
		log.Warn("reconciler: no message matches report, dropping")
		return OutcomeUnmatched, nil
	}

	key := dedupeKey(msg, next)
	if r.Cache != nil {
		seen, err := r.Cache.Seen(ctx, key)
		if err != nil {
			log.WithError(err).Warn("reconciler: dedupe cache unavailable")
		} else if seen {
			log.Debug("reconciler: duplicate report")
			return OutcomeDuplicate, nil
		}
	}

	log = log.WithFields(logrus.Fields{"message_id": msg.ID, "prior_status": msg.Status})

	if msg.Status == next {
		r.mark(ctx, key)
		log.Debug("reconciler: duplicate report")
		return OutcomeDuplicate, nil
	}
	if model.StatusRank(next) <= model.StatusRank(msg.Status) {
		log.Info("reconciler: ignoring out-of-order report")
		return OutcomeStale, nil
	}

	detail := ""
	if next == model.MessageFailed {
		detail = strings.TrimSpace(report.Reason)
		if detail == "" {
			detail = "delivery failed"
		}
	}

	ok, err := r.Messages.ApplyDeliveryStatus(ctx, msg, next, detail)
	if err != nil {
		return "", fmt.Errorf("apply delivery status: %w", err)
	}
	if !ok {
		log.Info("reconciler: message changed concurrently, report not applied")
		return OutcomeStale, nil
	}

	r.mark(ctx, key)
	log.WithField("new_status", next).Info("reconciler: delivery status applied")
	return OutcomeApplied, nil
}

// locate prefers the gateway id, then our own message id, and only then the
// most recent message sent to the phone number.
func (r *Reconciler) locate(ctx context.Context, report DeliveryReport) (*model.Message, error) {
	if id := strings.TrimSpace(report.GatewayMessageID); id != "" {
		m, err := r.Messages.FindByGatewayID(ctx, id)
		if err != nil || m != nil {
			return m, err
		}
	}

	if ref := strings.TrimSpace(report.CorrelationRef); ref != "" {
		if id, convErr := strconv.Atoi(ref); convErr == nil {
			m, err := r.Messages.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if m != nil && r.samePhone(m.Phone, report.Phone) {
				return m, nil
			}
		} else {
			m, err := r.Messages.FindByGatewayID(ctx, ref)
			if err != nil || m != nil {
				return m, err
			}
		}
	}

	if strings.TrimSpace(report.Phone) == "" {
		return nil, nil
	}
	phone, err := gateway.NormalizePhone(report.Phone, r.DefaultRegion)
	if err != nil {
		phone = strings.TrimSpace(report.Phone)
	}
	return r.Messages.FindLatestByPhone(ctx, phone, report.CampaignID)
}

// samePhone guards numeric correlation refs against colliding with an
// unrelated message. Reports without a phone are trusted.
func (r *Reconciler) samePhone(stored, reported string) bool {
	if strings.TrimSpace(reported) == "" {
		return true
	}
	a, errA := gateway.NormalizePhone(stored, r.DefaultRegion)
	b, errB := gateway.NormalizePhone(reported, r.DefaultRegion)
	if errA != nil || errB != nil {
		return strings.TrimSpace(stored) == strings.TrimSpace(reported)
	}
	return a == b
}

func (r *Reconciler) mark(ctx context.Context, key string) {
	if r.Cache == nil {
		return
	}
	if err := r.Cache.Mark(ctx, key); err != nil {
		logrus.WithError(err).Warn("reconciler: failed to record report in dedupe cache")
	}
}

// dedupeKey names one status for one send attempt. Rows are reused by retry
// and resend runs, so the run id and attempt count are part of the key.
func dedupeKey(m *model.Message, status string) string {
	return fmt.Sprintf("%d:%s:%d:%s", m.ID, m.RunID, m.Attempts, status)
}
