package models

import "time"

// Message kinds.
const (
	KindText     = "text"
	KindImage    = "image"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindDocument = "document"
)

// Message is one entry in a chat. Append-only; only the Ack field is
// updated after creation (via message-update events).
type Message struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	ChatID            uint   `gorm:"index;not null"`
	TenantID          string `gorm:"size:64;not null;uniqueIndex:idx_msg_provider_id"`
	ProviderMessageID string `gorm:"size:128;uniqueIndex:idx_msg_provider_id"`
	FromMe            bool   `gorm:"default:false"`
	Body              string `gorm:"type:text"`
	Kind              string `gorm:"size:16;default:text"`
	MediaRef          string `gorm:"size:512"` // retrieval reference for materialized media
	Ack               int    `gorm:"default:0"`
	Timestamp         time.Time
	CreatedAt         time.Time
}
