package pipeline

import (
	"errors"
	"log"

	"gorm.io/gorm"

	"receiptflow/models"
)

// CheckDuplicates flags the receipt as a duplicate suspect when another live
// receipt of the same user matches on vendor, total amount, and the
// calendar-date component of the transaction date (time-of-day ignored). The
// matched receipt itself is never flagged. The check is idempotent: a re-run
// re-confirms or re-points the reference. Returns true when flagged.
func CheckDuplicates(gdb *gorm.DB, r *models.Receipt) (bool, error) {
	if r.Vendor == nil || r.TotalAmount == nil || r.Date == nil || r.DeletedAt != nil {
		return false, nil
	}

	day := r.Date.UTC().Format("2006-01-02")
	var match models.Receipt
	err := gdb.
		Where("user_id = ? AND id <> ? AND deleted_at IS NULL", r.UserID, r.ID).
		Where("vendor = ? AND total_amount = ? AND DATE(date) = ?", *r.Vendor, *r.TotalAmount, day).
		Order("id asc").
		First(&match).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	r.DuplicateSuspect = true
	r.DuplicateOfID = &match.ID
	if err := gdb.Model(&models.Receipt{}).Where("id = ?", r.ID).
		Updates(map[string]any{"duplicate_suspect": true, "duplicate_of_id": match.ID}).Error; err != nil {
		return false, err
	}
	return true, nil
}

// RunDuplicateCheck is the swallow-and-log wrapper every caller uses: a
// detector failure must never abort the primary write.
func RunDuplicateCheck(gdb *gorm.DB, r *models.Receipt) {
	if _, err := CheckDuplicates(gdb, r); err != nil {
		log.Printf("duplicate check failed receipt=%d: %v", r.ID, err)
	}
}
