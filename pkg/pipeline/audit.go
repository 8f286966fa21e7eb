package pipeline

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"gorm.io/gorm"

	"receiptflow/models"
)

// System actors for audit events.
const (
	ActorSystemOCR   = "system:ocr"
	ActorSystemEmail = "system:email"
)

func ActorUser(id uint) string {
	return fmt.Sprintf("user:%d", id)
}

// RecordEvent appends one immutable row to the audit trail. It is best-effort
// by contract: a failed write is logged and swallowed so it can never fail or
// roll back the caller's primary mutation.
func RecordEvent(gdb *gorm.DB, receiptID uint, kind, actor string, userID *uint, field string, oldVal, newVal any, extra map[string]any) {
	ev := models.AuditEvent{
		ReceiptID: &receiptID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		UserID:    userID,
	}
	if field != "" {
		ev.Field = &field
	}
	if s, ok := stringifyValue(oldVal); ok {
		ev.OldValue = &s
	}
	if s, ok := stringifyValue(newVal); ok {
		ev.NewValue = &s
	}
	if extra != nil {
		if b, err := json.Marshal(extra); err == nil {
			s := string(b)
			ev.Extra = &s
		}
	}
	if err := gdb.Create(&ev).Error; err != nil {
		log.Printf("audit write failed receipt=%d kind=%s: %v", receiptID, kind, err)
	}
}

// History returns the full audit trail for a receipt, ascending by timestamp
// with the insert order as tie-breaker.
func History(gdb *gorm.DB, receiptID uint) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := gdb.Where("receipt_id = ?", receiptID).
		Order("timestamp asc, id asc").
		Find(&events).Error
	return events, err
}

// stringifyValue renders a field value for audit storage. Nil values and nil
// pointers report ok=false so the column stays NULL.
func stringifyValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case *string:
		if t == nil {
			return "", false
		}
		return *t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case *float64:
		if t == nil {
			return "", false
		}
		return strconv.FormatFloat(*t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case *bool:
		if t == nil {
			return "", false
		}
		return strconv.FormatBool(*t), true
	case time.Time:
		return t.UTC().Format("2006-01-02"), true
	case *time.Time:
		if t == nil {
			return "", false
		}
		return t.UTC().Format("2006-01-02"), true
	case *uint:
		if t == nil {
			return "", false
		}
		return strconv.FormatUint(uint64(*t), 10), true
	}
	return fmt.Sprint(v), true
}
