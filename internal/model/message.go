// internal/model/message.go
package model

import (
	"strings"
	"time"
)

// Message statuses. Delivered is only ever reported by the gateway.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageFailed    = "failed"
)

type Message struct {
	ID               int        `db:"id" json:"id"`
	TenantID         string     `db:"tenant_id" json:"tenant_id"`
	CampaignID       *int       `db:"campaign_id" json:"campaign_id,omitempty"`
	RecipientID      *int       `db:"recipient_id" json:"recipient_id,omitempty"`
	Phone            string     `db:"phone" json:"phone"`
	Content          string     `db:"content" json:"content"`
	Status           string     `db:"status" json:"status"`
	ErrorDetail      string     `db:"error_detail" json:"error_detail,omitempty"`
	GatewayMessageID string     `db:"gateway_message_id" json:"gateway_message_id,omitempty"`
	RunID            string     `db:"run_id" json:"run_id,omitempty"`
	Attempts         int        `db:"attempts" json:"attempts"`
	SentAt           *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

func (m *Message) Report() ReportEntry {
	return ReportEntry{
		MessageID:   m.ID,
		Phone:       m.Phone,
		Status:      m.Status,
		ErrorDetail: m.ErrorDetail,
		SentAt:      m.SentAt,
	}
}

// NormalizeMessageStatus returns the canonical status or "" when unknown.
func NormalizeMessageStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case MessagePending:
		return MessagePending
	case MessageSent:
		return MessageSent
	case MessageDelivered:
		return MessageDelivered
	case MessageFailed:
		return MessageFailed
	}
	return ""
}

// StatusRank orders statuses so delivery reports never move a message backwards.
func StatusRank(status string) int {
	switch status {
	case MessagePending:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered, MessageFailed:
		return 3
	}
	return 0
}

// counts reports how a status contributes to the campaign's sent/failed counters.
func counts(status string) (sent, failed int) {
	switch status {
	case MessageSent, MessageDelivered:
		return 1, 0
	case MessageFailed:
		return 0, 1
	}
	return 0, 0
}

// CounterDelta is the change to a campaign's counters when one of its
// messages moves from prior to next.
func CounterDelta(prior, next string) (sent, failed int) {
	ps, pf := counts(prior)
	ns, nf := counts(next)
	return ns - ps, nf - pf
}
