package models

import "time"

// Receipt processing statuses. A receipt created by an ingestion front door
// starts at pending, moves to processing while the pipeline runs, returns to
// pending for user review, and reaches completed on approval. failed is
// re-submittable.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Receipt represents one ingested purchase document belonging to a user.
// Extracted fields are nullable until the pipeline (or the user) fills them.
type Receipt struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`

	// ImageRef addresses the stored artifact. It is rewritten to the rendered
	// first-page preview when the source was a multi-page document.
	ImageRef string  `gorm:"size:512;not null" json:"image_ref"`
	RawText  *string `gorm:"type:text" json:"raw_text,omitempty"`

	Vendor      *string    `gorm:"size:255" json:"vendor"`
	Date        *time.Time `json:"date"`
	TotalAmount *float64   `json:"total_amount"`
	TaxAmount   *float64   `json:"tax_amount"`

	// Currency handling: rate fields are populated only when the receipt
	// currency differs from the base currency.
	Currency         string     `gorm:"size:3;not null;default:GBP" json:"currency"`
	OriginalAmount   *float64   `json:"original_amount,omitempty"`
	ExchangeRate     *float64   `json:"exchange_rate,omitempty"`
	ExchangeRateDate *time.Time `json:"exchange_rate_date,omitempty"`

	Items      *string `gorm:"type:text" json:"items"` // serialized JSON line items
	Category   *string `gorm:"size:64" json:"category"`
	Notes      *string `gorm:"type:text" json:"notes"`
	IsBusiness bool    `gorm:"default:true;not null" json:"is_business"`

	Status string `gorm:"size:16;not null;default:pending;index" json:"status"`
	// Soft delete tombstone, managed explicitly so restore stays a first-class
	// operation (plain pointer, not gorm.DeletedAt).
	DeletedAt *time.Time `gorm:"index" json:"deleted_at"`

	DuplicateSuspect   bool  `gorm:"default:false;not null" json:"duplicate_suspect"`
	DuplicateOfID      *uint `gorm:"index" json:"duplicate_of_id"`
	DuplicateDismissed bool  `gorm:"default:false;not null" json:"duplicate_dismissed"`
}
