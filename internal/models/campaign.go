package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Campaign lifecycle statuses. Completed and Failed are terminal.
const (
	CampaignPending   = "PENDING"
	CampaignRunning   = "RUNNING"
	CampaignPaused    = "PAUSED"
	CampaignCompleted = "COMPLETED"
	CampaignFailed    = "FAILED"
)

// Campaign is one bulk outbound send. Created on submission and mutated
// only by the dispatcher.
type Campaign struct {
	ID            string `gorm:"primaryKey;size:36"`
	TenantID      string `gorm:"size:64;index;not null"`
	Name          string `gorm:"size:256;not null"`
	Status        string `gorm:"size:16;default:PENDING;index"`
	Channels      string `gorm:"type:text"` // JSON array of channel instance names
	Content       string `gorm:"type:text"` // JSON array of message parts
	TargetFilter  string `gorm:"type:text"` // JSON map of contact attribute filters
	JitterSec     int    `gorm:"default:0"`
	Immediate     bool   `gorm:"default:false"`
	ScheduledAt   *time.Time
	SentCount     int `gorm:"default:0"`
	FailedCount   int `gorm:"default:0"`
	TotalContacts int `gorm:"default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// ChannelList decodes the JSON-encoded channel instance names.
func (c *Campaign) ChannelList() ([]string, error) {
	return decodeStringList(c.Channels, "campaign channels")
}

// SetChannelList encodes channel instance names to the JSON column.
func (c *Campaign) SetChannelList(names []string) error {
	s, err := encodeJSON(names)
	if err != nil {
		return fmt.Errorf("models: encode campaign channels: %w", err)
	}
	c.Channels = s
	return nil
}

// Filter decodes the JSON-encoded target filter. An empty column means
// "all contacts for the tenant".
func (c *Campaign) Filter() (map[string]string, error) {
	if c.TargetFilter == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(c.TargetFilter), &m); err != nil {
		return nil, fmt.Errorf("models: decode campaign target filter: %w", err)
	}
	return m, nil
}

// Terminal reports whether the campaign is in a final state.
func (c *Campaign) Terminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed
}

func decodeStringList(s, what string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("models: decode %s: %w", what, err)
	}
	return out, nil
}

func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
