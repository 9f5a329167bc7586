// internal/db/migrations.go
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS templates (
		id SERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		header TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		footer TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'en',
		approval_status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS recipients (
		id SERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		custom_fields JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS audiences (
		id SERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS audience_members (
		audience_id INT NOT NULL REFERENCES audiences(id) ON DELETE CASCADE,
		recipient_id INT NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
		position INT NOT NULL DEFAULT 0,
		PRIMARY KEY (audience_id, recipient_id)
	)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id SERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		template_id INT NOT NULL REFERENCES templates(id),
		audience_id INT NOT NULL REFERENCES audiences(id),
		variable_mapping JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'draft',
		scheduled_for TIMESTAMPTZ,
		sent_count INT NOT NULL DEFAULT 0 CHECK (sent_count >= 0),
		failed_count INT NOT NULL DEFAULT 0 CHECK (failed_count >= 0),
		reports_data JSONB,
		run_id TEXT,
		run_mode TEXT,
		heartbeat_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_due ON campaigns(status, scheduled_for)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_tenant ON campaigns(tenant_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id SERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		campaign_id INT REFERENCES campaigns(id) ON DELETE CASCADE,
		recipient_id INT REFERENCES recipients(id) ON DELETE SET NULL,
		phone TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_detail TEXT NOT NULL DEFAULT '',
		gateway_message_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		attempts INT NOT NULL DEFAULT 0,
		sent_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_campaign_recipient ON messages(campaign_id, recipient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_gateway_id ON messages(gateway_message_id) WHERE gateway_message_id <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_messages_phone ON messages(phone, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_campaign_status ON messages(campaign_id, status)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, conn *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	logrus.WithField("statements", len(migrations)).Info("database schema up to date")
	return nil
}
