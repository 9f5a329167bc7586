// internal/repository/template_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
)

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, tenantID string, id int) (*model.Template, error)
}

type TemplateRepository struct {
	DB *sql.DB
}

func (r *TemplateRepository) GetByID(ctx context.Context, tenantID string, id int) (*model.Template, error) {
	query := `
		SELECT id, tenant_id, name, header, body, footer, category, language, approval_status, created_at
		FROM templates
		WHERE id=$1 AND tenant_id=$2
	`
	var t model.Template
	err := r.DB.QueryRowContext(ctx, query, id, tenantID).Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Header, &t.Body, &t.Footer,
		&t.Category, &t.Language, &t.ApprovalStatus, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("template", id)
		}
		return nil, err
	}
	return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
