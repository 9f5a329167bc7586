// internal/model/dispatch_job.go
package model

import (
	"encoding/json"
	"fmt"
)

// Dispatch run modes.
const (
	RunFull   = "full"
	RunRetry  = "retry"
	RunResend = "resend"
)

// DispatchJob asks a worker to execute the run identified by RunID. A job
// whose RunID no longer matches the campaign's lease is dropped.
//
// ResumeFrom names a stale run this one took over; its sent messages become
// part of this run.
type DispatchJob struct {
	CampaignID int    `json:"campaign_id"`
	TenantID   string `json:"tenant_id"`
	RunID      string `json:"run_id"`
	Mode       string `json:"mode"`
	ResumeFrom string `json:"resume_from,omitempty"`
}

// RunSummary is the aggregate outcome of one dispatch run.
type RunSummary struct {
	CampaignID int    `json:"campaign_id"`
	RunID      string `json:"run_id"`
	Mode       string `json:"mode"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
}

func (s RunSummary) String() string {
	return fmt.Sprintf("%d succeeded, %d failed", s.Succeeded, s.Failed)
}

// DecodeDispatchJob accepts either an in-process job value or a broker body.
func DecodeDispatchJob(payload any) (DispatchJob, error) {
	switch v := payload.(type) {
	case DispatchJob:
		return v, nil
	case *DispatchJob:
		if v == nil {
			return DispatchJob{}, fmt.Errorf("nil dispatch job")
		}
		return *v, nil
	case []byte:
		var job DispatchJob
		if err := json.Unmarshal(v, &job); err != nil {
			return DispatchJob{}, fmt.Errorf("decode dispatch job: %w", err)
		}
		return job, nil
	default:
		return DispatchJob{}, fmt.Errorf("unexpected dispatch payload %T", payload)
	}
}
