// internal/repository/recipient_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
)

// RecipientRepositoryInterface is the audience provider used by the dispatcher.
type RecipientRepositoryInterface interface {
	GetByID(ctx context.Context, tenantID string, id int) (*model.Recipient, error)
	ListAudience(ctx context.Context, tenantID string, audienceID int) ([]model.Recipient, error)
	CountAudience(ctx context.Context, tenantID string, audienceID int) (int, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

func (r *RecipientRepository) GetByID(ctx context.Context, tenantID string, id int) (*model.Recipient, error) {
	query := `
		SELECT id, tenant_id, name, phone, email, custom_fields
		FROM recipients
		WHERE id=$1 AND tenant_id=$2
	`
	var rc model.Recipient
	err := r.DB.QueryRowContext(ctx, query, id, tenantID).
		Scan(&rc.ID, &rc.TenantID, &rc.Name, &rc.Phone, &rc.Email, &rc.CustomFields)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("recipient", id)
		}
		return nil, err
	}
	return &rc, nil
}

// ListAudience returns the audience members in position order.
func (r *RecipientRepository) ListAudience(ctx context.Context, tenantID string, audienceID int) ([]model.Recipient, error) {
	query := `
		SELECT r.id, r.tenant_id, r.name, r.phone, r.email, r.custom_fields
		FROM audience_members am
		JOIN audiences a ON a.id = am.audience_id
		JOIN recipients r ON r.id = am.recipient_id
		WHERE am.audience_id=$1 AND a.tenant_id=$2
		ORDER BY am.position, am.recipient_id
	`
	rows, err := r.DB.QueryContext(ctx, query, audienceID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		var rc model.Recipient
		if err := rows.Scan(&rc.ID, &rc.TenantID, &rc.Name, &rc.Phone, &rc.Email, &rc.CustomFields); err != nil {
			return nil, err
		}
		recipients = append(recipients, rc)
	}
	return recipients, rows.Err()
}

// CountAudience returns NotFound when the audience does not belong to the tenant.
func (r *RecipientRepository) CountAudience(ctx context.Context, tenantID string, audienceID int) (int, error) {
	query := `
		SELECT COUNT(am.recipient_id)
		FROM audiences a
		LEFT JOIN audience_members am ON am.audience_id = a.id
		WHERE a.id=$1 AND a.tenant_id=$2
		GROUP BY a.id
	`
	var n int
	if err := r.DB.QueryRowContext(ctx, query, audienceID, tenantID).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.NewNotFound("audience", audienceID)
		}
		return 0, err
	}
	return n, nil
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
