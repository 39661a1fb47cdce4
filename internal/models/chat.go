package models

import "time"

// Chat is one conversation with a remote address, keyed by normalized
// address per tenant. Created lazily on the first inbound event and never
// deleted by the gateway.
type Chat struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TenantID     string `gorm:"size:64;not null;uniqueIndex:idx_chat_addr"`
	Address      string `gorm:"size:128;not null;uniqueIndex:idx_chat_addr"`
	Name         string `gorm:"size:256"`
	IsGroup      bool   `gorm:"default:false"`
	LastMessage  string `gorm:"size:512"` // preview of the most recent message
	LastActivity time.Time
	UnreadCount  int `gorm:"default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
