// internal/repository/campaign_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID string, offset, limit int, status string) ([]*model.Campaign, int, error)
	UpdateDraft(ctx context.Context, c *model.Campaign) (bool, error)

	// Lifecycle compare-and-set updates
	TransitionStatus(ctx context.Context, id int, from []string, to string, scheduledFor *time.Time) (bool, error)
	BeginRun(ctx context.Context, id int, runID, mode string, from []string) (bool, error)
	TakeOverRun(ctx context.Context, id int, staleRunID, runID, mode string, staleAfter time.Duration, adopt bool) (bool, error)
	Heartbeat(ctx context.Context, id int, runID string) (bool, error)
	CompleteRun(ctx context.Context, id int, runID string, reports model.ReportsData) (bool, error)
	CompleteRetryRun(ctx context.Context, id int, runID string, reports model.ReportsData) (bool, error)
	AbortRun(ctx context.Context, id int, runID, status, restoreRunID, restoreMode string) (bool, error)

	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, tenant_id, name, description, template_id, audience_id, variable_mapping,
	status, scheduled_for, sent_count, failed_count, reports_data, run_id, run_mode,
	heartbeat_at, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var runID, runMode sql.NullString
	err := s.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Description, &c.TemplateID, &c.AudienceID, &c.VariableMapping,
		&c.Status, &c.ScheduledFor, &c.SentCount, &c.FailedCount, &c.ReportsData, &runID, &runMode,
		&c.HeartbeatAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.RunID = runID.String
	c.RunMode = runMode.String
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.VariableMapping == nil {
		c.VariableMapping = model.VariableMapping{}
	}
	query := `
		INSERT INTO campaigns (tenant_id, name, description, template_id, audience_id, variable_mapping, status, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id, created_at
	`
	return r.DB.QueryRowContext(ctx, query,
		c.TenantID, c.Name, c.Description, c.TemplateID, c.AudienceID, c.VariableMapping, c.Status, c.ScheduledFor,
	).Scan(&c.ID, &c.CreatedAt)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		where += ` AND status=$2`
		args = append(args, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// UpdateDraft persists name, template and mapping edits. It only touches drafts.
func (r *CampaignRepository) UpdateDraft(ctx context.Context, c *model.Campaign) (bool, error) {
	query := `
		UPDATE campaigns
		SET name=$1, description=$2, template_id=$3, variable_mapping=$4, updated_at=NOW()
		WHERE id=$5 AND status='draft'
	`
	res, err := r.DB.ExecContext(ctx, query, c.Name, c.Description, c.TemplateID, c.VariableMapping, c.ID)
	return affected(res, err)
}

// ====================== Lifecycle ======================

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from []string, to string, scheduledFor *time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET status=$1, scheduled_for=COALESCE($2, scheduled_for), updated_at=NOW()
		WHERE id=$3 AND status = ANY($4)
	`
	res, err := r.DB.ExecContext(ctx, query, to, scheduledFor, id, pq.Array(from))
	return affected(res, err)
}

// BeginRun takes the campaign's dispatch lease from one of the from statuses.
func (r *CampaignRepository) BeginRun(ctx context.Context, id int, runID, mode string, from []string) (bool, error) {
	query := `
		UPDATE campaigns
		SET status='sending', run_id=$2, run_mode=$3, heartbeat_at=NOW(), started_at=NOW(), completed_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status = ANY($4)
	`
	res, err := r.DB.ExecContext(ctx, query, id, runID, mode, pq.Array(from))
	return affected(res, err)
}

// TakeOverRun hands the lease of a sending campaign to a new run when the run
// holding it is staleRunID and has not heartbeated for staleAfter. Staleness
// is judged against the database clock that wrote the heartbeat. With adopt,
// the stale run's sent and delivered messages move to the new run in the same
// transaction.
func (r *CampaignRepository) TakeOverRun(ctx context.Context, id int, staleRunID, runID, mode string, staleAfter time.Duration, adopt bool) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	query := `
		UPDATE campaigns
		SET run_id=$3, run_mode=$4, heartbeat_at=NOW(), started_at=NOW(), completed_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='sending'
		  AND run_id IS NOT DISTINCT FROM NULLIF($2, '')
		  AND (heartbeat_at IS NULL OR heartbeat_at < NOW() - $5 * INTERVAL '1 millisecond')
	`
	ok, err := affected(tx.ExecContext(ctx, query, id, staleRunID, runID, mode, staleAfter.Milliseconds()))
	if err != nil || !ok {
		return false, err
	}

	if adopt && staleRunID != "" {
		if _, err := tx.ExecContext(ctx, adoptRunQuery, id, staleRunID, runID); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (r *CampaignRepository) Heartbeat(ctx context.Context, id int, runID string) (bool, error) {
	query := `UPDATE campaigns SET heartbeat_at=NOW() WHERE id=$1 AND run_id=$2 AND status='sending'`
	res, err := r.DB.ExecContext(ctx, query, id, runID)
	return affected(res, err)
}

// CompleteRun finalizes a full or resend run. Counters are overwritten with the
// totals of the messages stamped with this run.
func (r *CampaignRepository) CompleteRun(ctx context.Context, id int, runID string, reports model.ReportsData) (bool, error) {
	return r.completeLocked(ctx, id, runID, `
		UPDATE campaigns c
		SET status='sent', sent_count=s.sent, failed_count=s.failed, reports_data=$3,
		    completed_at=NOW(), heartbeat_at=NULL, updated_at=NOW()
		FROM (
			SELECT COUNT(*) FILTER (WHERE status IN ('sent', 'delivered')) AS sent,
			       COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM messages
			WHERE campaign_id=$1 AND run_id=$2
		) s
		WHERE c.id=$1 AND c.status='sending' AND c.run_id=$2
	`, reports)
}

// CompleteRetryRun moves the messages this run left sent or delivered from the
// failed to the sent counter.
func (r *CampaignRepository) CompleteRetryRun(ctx context.Context, id int, runID string, reports model.ReportsData) (bool, error) {
	return r.completeLocked(ctx, id, runID, `
		UPDATE campaigns c
		SET status='sent', sent_count=c.sent_count+s.recovered, failed_count=GREATEST(c.failed_count-s.recovered, 0),
		    reports_data=$3, completed_at=NOW(), heartbeat_at=NULL, updated_at=NOW()
		FROM (
			SELECT COUNT(*) AS recovered
			FROM messages
			WHERE campaign_id=$1 AND run_id=$2 AND status IN ('sent', 'delivered')
		) s
		WHERE c.id=$1 AND c.status='sending' AND c.run_id=$2
	`, reports)
}

// completeLocked holds the campaign row while the run's messages are counted.
// Delivery callbacks take the same lock, so none lands between the count and
// the status change.
func (r *CampaignRepository) completeLocked(ctx context.Context, id int, runID, query string, reports model.ReportsData) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var locked int
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM campaigns WHERE id=$1 AND status='sending' AND run_id=$2 FOR UPDATE`, id, runID,
	).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ok, err := affected(tx.ExecContext(ctx, query, id, runID, reports))
	if err != nil || !ok {
		return false, err
	}
	return true, tx.Commit()
}

// AbortRun releases a lease that never started dispatching and puts back the
// status and run the campaign had before. Messages a takeover adopted go back
// to the restored run.
func (r *CampaignRepository) AbortRun(ctx context.Context, id int, runID, status, restoreRunID, restoreMode string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	query := `
		UPDATE campaigns
		SET status=$3, run_id=NULLIF($4, ''), run_mode=NULLIF($5, ''), heartbeat_at=NULL, started_at=NULL, updated_at=NOW()
		WHERE id=$1 AND run_id=$2 AND status='sending'
	`
	ok, err := affected(tx.ExecContext(ctx, query, id, runID, status, restoreRunID, restoreMode))
	if err != nil || !ok {
		return false, err
	}

	if restoreRunID != "" {
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET run_id=$3, updated_at=NOW() WHERE campaign_id=$1 AND run_id=$2`,
			id, runID, restoreRunID,
		)
		if err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status='scheduled' AND scheduled_for <= $1
		ORDER BY scheduled_for, id
		LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
