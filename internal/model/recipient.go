// internal/model/recipient.go
package model

import (
	"database/sql/driver"
	"encoding/json"
)

type Recipient struct {
	ID           int          `db:"id" json:"id"`
	TenantID     string       `db:"tenant_id" json:"tenant_id"`
	Name         string       `db:"name" json:"name"`
	Phone        string       `db:"phone" json:"phone"`
	Email        string       `db:"email" json:"email,omitempty"`
	CustomFields CustomFields `db:"custom_fields" json:"custom_fields,omitempty"`
}

// Fields exposes the recipient as a nested map for dot-path lookups.
func (r *Recipient) Fields() map[string]any {
	custom := map[string]any{}
	for k, v := range r.CustomFields {
		custom[k] = v
	}
	return map[string]any{
		"id":            r.ID,
		"name":          r.Name,
		"phone":         r.Phone,
		"email":         r.Email,
		"custom_fields": custom,
	}
}

type CustomFields map[string]any

func (c CustomFields) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

func (c *CustomFields) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	out := CustomFields{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
	}
	*c = out
	return nil
}
