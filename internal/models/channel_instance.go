package models

import "time"

// Connection modes for a channel instance. At most one non-NONE mode is
// active at a time.
const (
	ModeNone    = "NONE"
	ModePush    = "PUSH_SOCKET"
	ModeWebhook = "WEBHOOK"
)

// Live statuses reported by providers, mapped to a small internal enum.
const (
	LiveConnected    = "connected"
	LiveConnecting   = "connecting"
	LiveDisconnected = "disconnected"
)

// ChannelInstance is a named connected messaging endpoint.
type ChannelInstance struct {
	Name           string `gorm:"primaryKey;size:64"`
	TenantID       string `gorm:"size:64;index;not null"`
	Provider       string `gorm:"size:32;not null"`
	ConnectionMode string `gorm:"size:16;default:NONE"`
	LiveStatus     string `gorm:"size:16;default:disconnected"`
	WebhookURL     string `gorm:"size:512"`
	WebhookEvents  string `gorm:"type:text"` // JSON array of subscribed event types
	QRCode         string `gorm:"type:text"` // pending handshake artifact, cleared on connect
	QRExpiresAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WebhookEventList decodes the JSON-encoded subscribed event types.
func (ci *ChannelInstance) WebhookEventList() ([]string, error) {
	return decodeStringList(ci.WebhookEvents, "channel webhook events")
}
