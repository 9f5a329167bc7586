// internal/model/campaign.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Campaign lifecycle statuses.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
)

type Campaign struct {
	ID              int             `db:"id" json:"id"`
	TenantID        string          `db:"tenant_id" json:"tenant_id"`
	Name            string          `db:"name" json:"name"`
	Description     string          `db:"description" json:"description"`
	TemplateID      int             `db:"template_id" json:"template_id"`
	AudienceID      int             `db:"audience_id" json:"audience_id"`
	VariableMapping VariableMapping `db:"variable_mapping" json:"variable_mapping"`
	Status          string          `db:"status" json:"status"`
	ScheduledFor    *time.Time      `db:"scheduled_for" json:"scheduled_for,omitempty"`
	SentCount       int             `db:"sent_count" json:"sent_count"`
	FailedCount     int             `db:"failed_count" json:"failed_count"`
	ReportsData     ReportsData     `db:"reports_data" json:"reports_data,omitempty"`
	RunID           string          `db:"run_id" json:"run_id,omitempty"`
	RunMode         string          `db:"run_mode" json:"run_mode,omitempty"`
	HeartbeatAt     *time.Time      `db:"heartbeat_at" json:"-"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

// ReportEntry is one cached per-recipient outcome kept on the campaign row.
type ReportEntry struct {
	MessageID   int        `json:"message_id"`
	Phone       string     `json:"phone"`
	Status      string     `json:"status"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

type ReportsData []ReportEntry

func (r ReportsData) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func (r *ReportsData) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		*r = nil
		return err
	}
	return json.Unmarshal(b, r)
}

// MergeReports overlays updates onto existing by message id, keeping the most
// recently touched entries first and at most limit entries overall.
func MergeReports(existing, updates ReportsData, limit int) ReportsData {
	seen := make(map[int]bool, len(updates))
	merged := make(ReportsData, 0, len(existing)+len(updates))
	for _, u := range updates {
		if seen[u.MessageID] {
			continue
		}
		seen[u.MessageID] = true
		merged = append(merged, u)
	}
	for _, e := range existing {
		if seen[e.MessageID] {
			continue
		}
		seen[e.MessageID] = true
		merged = append(merged, e)
	}
	if limit >= 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
