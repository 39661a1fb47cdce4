package models

import "time"

// CampaignMessage statuses. The status is monotonic: once a row leaves
// PENDING it is never mutated again.
const (
	MessagePending = "PENDING"
	MessageSent    = "SENT"
	MessageFailed  = "FAILED"
)

// CampaignMessage is the per-recipient unit of outbound work. Rows are
// created in bulk when a campaign starts and mutated exactly once by the
// dispatcher.
type CampaignMessage struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	CampaignID        string `gorm:"size:36;index;not null"`
	ContactID         uint   `gorm:"index"`
	Address           string `gorm:"size:128;not null"`
	CanonicalAddress  string `gorm:"size:128"` // set when the validator normalizes the address
	Channel           string `gorm:"size:64"`  // channel instance actually used
	Status            string `gorm:"size:16;default:PENDING;index"`
	FailReason        string `gorm:"size:512"`
	ProviderMessageID string `gorm:"size:128"`
	CreatedAt         time.Time
	SentAt            *time.Time
}
