// internal/repository/message_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
)

type MessageRepositoryInterface interface {
	UpsertPending(ctx context.Context, m *model.Message) error
	Create(ctx context.Context, m *model.Message) error
	RecordOutcome(ctx context.Context, o Outcome) error
	GetByID(ctx context.Context, id int) (*model.Message, error)
	FindByGatewayID(ctx context.Context, gatewayMessageID string) (*model.Message, error)
	FindLatestByPhone(ctx context.Context, phone string, campaignID *int) (*model.Message, error)
	ListByCampaign(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.Message, int, error)
	ListFailed(ctx context.Context, campaignID int) ([]*model.Message, error)
	ListByRun(ctx context.Context, campaignID int, runID string) ([]*model.Message, error)
	AdoptRun(ctx context.Context, campaignID int, fromRunID, toRunID string) (int, error)
	CountFailed(ctx context.Context, campaignID int) (int, error)
	GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error)
	ApplyDeliveryStatus(ctx context.Context, m *model.Message, next, errorDetail string) (bool, error)
}

// Outcome is the result of one send attempt for an existing message row.
type Outcome struct {
	MessageID        int
	RunID            string
	Status           string
	ErrorDetail      string
	GatewayMessageID string
	Phone            string
	Content          string
	SentAt           time.Time
}

type MessageRepository struct {
	DB *sql.DB
}

const messageColumns = `id, tenant_id, campaign_id, recipient_id, phone, content, status, error_detail,
	gateway_message_id, run_id, attempts, sent_at, created_at, updated_at`

func scanMessage(s rowScanner) (*model.Message, error) {
	var m model.Message
	err := s.Scan(
		&m.ID, &m.TenantID, &m.CampaignID, &m.RecipientID, &m.Phone, &m.Content, &m.Status, &m.ErrorDetail,
		&m.GatewayMessageID, &m.RunID, &m.Attempts, &m.SentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepository) queryMessages(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []*model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// findOne returns nil, nil when no row matches.
func (r *MessageRepository) findOne(ctx context.Context, query string, args ...any) (*model.Message, error) {
	m, err := scanMessage(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// UpsertPending records that a campaign message is about to be attempted. The
// (campaign, recipient) row is reused across runs so a recipient has one
// logical delivery outcome per campaign.
func (r *MessageRepository) UpsertPending(ctx context.Context, m *model.Message) error {
	query := `
		INSERT INTO messages (tenant_id, campaign_id, recipient_id, phone, content, status, run_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, NOW(), NOW())
		ON CONFLICT (campaign_id, recipient_id) DO UPDATE
		SET phone=EXCLUDED.phone, content=EXCLUDED.content, status='pending', error_detail='',
		    gateway_message_id='', run_id=EXCLUDED.run_id, updated_at=NOW()
		RETURNING id, attempts, created_at, updated_at
	`
	m.Status = model.MessagePending
	m.ErrorDetail = ""
	m.GatewayMessageID = ""
	return r.DB.QueryRowContext(ctx, query, m.TenantID, m.CampaignID, m.RecipientID, m.Phone, m.Content, m.RunID).
		Scan(&m.ID, &m.Attempts, &m.CreatedAt, &m.UpdatedAt)
}

// Create inserts a message outside any campaign.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	if m.Status == "" {
		m.Status = model.MessagePending
	}
	query := `
		INSERT INTO messages (tenant_id, campaign_id, recipient_id, phone, content, status, run_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	return r.DB.QueryRowContext(ctx, query, m.TenantID, m.CampaignID, m.RecipientID, m.Phone, m.Content, m.Status, m.RunID).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

func (r *MessageRepository) RecordOutcome(ctx context.Context, o Outcome) error {
	query := `
		UPDATE messages
		SET status=$2, error_detail=$3,
		    gateway_message_id=COALESCE(NULLIF($4, ''), gateway_message_id),
		    run_id=COALESCE(NULLIF($5, ''), run_id),
		    phone=COALESCE(NULLIF($6, ''), phone),
		    content=COALESCE(NULLIF($7, ''), content),
		    attempts=attempts+1, sent_at=$8, updated_at=NOW()
		WHERE id=$1
	`
	res, err := r.DB.ExecContext(ctx, query, o.MessageID, o.Status, o.ErrorDetail, o.GatewayMessageID, o.RunID, o.Phone, o.Content, o.SentAt)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewNotFound("message", o.MessageID)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int) (*model.Message, error) {
	return r.findOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
}

func (r *MessageRepository) FindByGatewayID(ctx context.Context, gatewayMessageID string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE gateway_message_id=$1 ORDER BY id DESC LIMIT 1`
	return r.findOne(ctx, query, gatewayMessageID)
}

// FindLatestByPhone is the fallback correlation when a report carries no usable id.
func (r *MessageRepository) FindLatestByPhone(ctx context.Context, phone string, campaignID *int) (*model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE phone=$1 AND ($2::int IS NULL OR campaign_id=$2)
		ORDER BY COALESCE(sent_at, created_at) DESC, id DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, phone, campaignID)
}

func (r *MessageRepository) ListByCampaign(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.Message, int, error) {
	where := ` WHERE campaign_id=$1`
	args := []any{campaignID}
	if status != "" {
		where += ` AND status=$2`
		args = append(args, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + messageColumns + ` FROM messages` + where +
		fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	msgs, err := r.queryMessages(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (r *MessageRepository) ListFailed(ctx context.Context, campaignID int) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE campaign_id=$1 AND status='failed' ORDER BY id`
	return r.queryMessages(ctx, query, campaignID)
}

func (r *MessageRepository) ListByRun(ctx context.Context, campaignID int, runID string) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE campaign_id=$1 AND run_id=$2 ORDER BY id`
	return r.queryMessages(ctx, query, campaignID, runID)
}

const adoptRunQuery = `
	UPDATE messages
	SET run_id=$3, updated_at=NOW()
	WHERE campaign_id=$1 AND run_id=$2 AND status IN ('sent', 'delivered')
`

// AdoptRun restamps the messages a stale run already sent so the run taking
// over treats them as its own finished work.
func (r *MessageRepository) AdoptRun(ctx context.Context, campaignID int, fromRunID, toRunID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, adoptRunQuery, campaignID, fromRunID, toRunID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *MessageRepository) CountFailed(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE campaign_id=$1 AND status='failed'`, campaignID).Scan(&n)
	return n, err
}

func (r *MessageRepository) GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM messages WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0, "pending": 0, "sent": 0, "delivered": 0, "failed": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

// ApplyDeliveryStatus moves m from its current status to next only if nobody
// changed it in between, and applies the matching counter delta to the owning
// campaign in the same transaction. It reports false when the message moved.
//
// A message stamped with the run currently sending its campaign is not counted
// here: that run settles its counters from message statuses when it completes.
func (r *MessageRepository) ApplyDeliveryStatus(ctx context.Context, m *model.Message, next, errorDetail string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	counted := m.CampaignID != nil
	if counted {
		var status, runID string
		err := tx.QueryRowContext(ctx,
			`SELECT status, COALESCE(run_id, '') FROM campaigns WHERE id=$1 FOR UPDATE`, *m.CampaignID,
		).Scan(&status, &runID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			counted = false
		case err != nil:
			return false, err
		case status == model.CampaignSending && runID != "" && runID == m.RunID:
			counted = false
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status=$1, error_detail=$2, updated_at=NOW() WHERE id=$3 AND status=$4`,
		next, errorDetail, m.ID, m.Status,
	)
	ok, err := affected(res, err)
	if err != nil || !ok {
		return false, err
	}

	sent, failed := model.CounterDelta(m.Status, next)
	if counted && (sent != 0 || failed != 0) {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET sent_count=GREATEST(sent_count+$1, 0), failed_count=GREATEST(failed_count+$2, 0), updated_at=NOW()
			WHERE id=$3`,
			sent, failed, *m.CampaignID,
		)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	m.Status = next
	m.ErrorDetail = errorDetail
	return true, nil
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
