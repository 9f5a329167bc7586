// internal/model/template.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"
)

const TemplateApproved = "approved"

// Template is read-only here; authoring and approval happen elsewhere.
type Template struct {
	ID             int       `db:"id" json:"id"`
	TenantID       string    `db:"tenant_id" json:"tenant_id"`
	Name           string    `db:"name" json:"name"`
	Header         string    `db:"header" json:"header,omitempty"`
	Body           string    `db:"body" json:"body"`
	Footer         string    `db:"footer" json:"footer,omitempty"`
	Category       string    `db:"category" json:"category"`
	Language       string    `db:"language" json:"language"`
	ApprovalStatus string    `db:"approval_status" json:"approval_status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Content joins the non-empty sections in header, body, footer order.
func (t *Template) Content() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{t.Header, t.Body, t.Footer} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func (t *Template) IsApproved() bool {
	return strings.EqualFold(t.ApprovalStatus, TemplateApproved)
}

// VariableMapping maps a template variable to a dot-addressed recipient field.
type VariableMapping map[string]string

func (m VariableMapping) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *VariableMapping) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	out := VariableMapping{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}
