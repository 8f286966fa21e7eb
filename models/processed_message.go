package models

import "time"

// ProcessedMessage is the idempotency ledger for inbound email. The
// fingerprint is a deterministic hash of the message's identifying fields, so
// a retried delivery of the same message collides on the unique index before
// any receipt is created. Remaining columns exist for debugging only.
type ProcessedMessage struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Fingerprint     string    `gorm:"size:64;not null;uniqueIndex" json:"fingerprint"`
	ProcessedAt     time.Time `gorm:"not null;index" json:"processed_at"`
	ToAddress       string    `gorm:"size:255" json:"to_address"`
	FromAddress     string    `gorm:"size:255" json:"from_address"`
	Subject         string    `gorm:"size:512" json:"subject"`
	AttachmentCount int       `json:"attachment_count"`
}
