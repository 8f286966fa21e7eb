package models

import "time"

// Audit event kinds.
const (
	EventCreated             = "created"
	EventStatusChanged       = "status_changed"
	EventFieldUpdated        = "field_updated"
	EventApproved            = "approved"
	EventDeleted             = "deleted"
	EventRestored            = "restored"
	EventExtractionCompleted = "extraction_completed"
)

// AuditEvent is one immutable row in the append-only audit trail. The receipt
// reference is nullable so events survive a bulk purge of the receipt itself.
type AuditEvent struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	ReceiptID *uint      `gorm:"index" json:"receipt_id"`
	Kind      string     `gorm:"size:32;not null;index" json:"kind"`
	Timestamp time.Time  `gorm:"not null;index" json:"timestamp"`
	Actor     string     `gorm:"size:64;not null" json:"actor"` // "user:<id>" or "system:<subsystem>"
	UserID    *uint      `gorm:"index" json:"user_id,omitempty"`
	Field     *string    `gorm:"size:64" json:"field,omitempty"`
	OldValue  *string    `gorm:"type:text" json:"old_value,omitempty"`
	NewValue  *string    `gorm:"type:text" json:"new_value,omitempty"`
	Extra     *string    `gorm:"type:text" json:"extra,omitempty"` // JSON payload
}
