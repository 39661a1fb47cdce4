package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Contact is a campaign recipient. Contact CRUD lives in the core CRM;
// the gateway only reads contacts to resolve addresses and template
// attributes.
type Contact struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TenantID   string `gorm:"size:64;index;not null"`
	Name       string `gorm:"size:256"`
	Address    string `gorm:"size:128;not null"`
	Attributes string `gorm:"type:text"` // JSON map used for variable substitution
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Attrs decodes the attribute map, always including name and address so
// templates can reference them without duplication.
func (c *Contact) Attrs() (map[string]string, error) {
	m := make(map[string]string)
	if c.Attributes != "" {
		if err := json.Unmarshal([]byte(c.Attributes), &m); err != nil {
			return nil, fmt.Errorf("models: decode contact %d attributes: %w", c.ID, err)
		}
	}
	if _, ok := m["name"]; !ok {
		m["name"] = c.Name
	}
	if _, ok := m["address"]; !ok {
		m["address"] = c.Address
	}
	return m, nil
}
