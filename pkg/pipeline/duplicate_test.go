package pipeline

import (
	"testing"
	"time"

	"gorm.io/gorm"

	"receiptflow/models"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse date %s: %v", s, err)
	}
	return d
}

func seedReceipt(t *testing.T, gdb *gorm.DB, userID uint, vendor string, amount float64, when time.Time) *models.Receipt {
	t.Helper()
	r := &models.Receipt{
		UserID:      userID,
		ImageRef:    "user_x/seed.jpg",
		Status:      models.StatusPending,
		Vendor:      &vendor,
		TotalAmount: &amount,
		Date:        &when,
	}
	if err := gdb.Create(r).Error; err != nil {
		t.Fatalf("seed receipt: %v", err)
	}
	return r
}

func TestCheckDuplicatesFlagsSameDayMatch(t *testing.T) {
	gdb := openTestDB(t)
	morning := time.Date(2025, 8, 12, 9, 15, 0, 0, time.UTC)
	evening := time.Date(2025, 8, 12, 19, 40, 0, 0, time.UTC)

	first := seedReceipt(t, gdb, 1, "Tesco", 12.50, morning)
	second := seedReceipt(t, gdb, 1, "Tesco", 12.50, evening)

	flagged, err := CheckDuplicates(gdb, second)
	if err != nil {
		t.Fatalf("CheckDuplicates: %v", err)
	}
	if !flagged {
		t.Fatal("same-day same-vendor same-amount receipt not flagged")
	}
	var reloaded models.Receipt
	gdb.First(&reloaded, second.ID)
	if !reloaded.DuplicateSuspect {
		t.Error("suspect flag not persisted")
	}
	if reloaded.DuplicateOfID == nil || *reloaded.DuplicateOfID != first.ID {
		t.Errorf("duplicate_of_id = %v, want %d", reloaded.DuplicateOfID, first.ID)
	}

	// the matched receipt itself stays unflagged
	var matched models.Receipt
	gdb.First(&matched, first.ID)
	if matched.DuplicateSuspect {
		t.Error("matched receipt must not be flagged by checking another")
	}
}

func TestCheckDuplicatesPointsAtLowestID(t *testing.T) {
	gdb := openTestDB(t)
	day := mustDate(t, "2025-08-12")
	first := seedReceipt(t, gdb, 1, "Tesco", 5, day)
	seedReceipt(t, gdb, 1, "Tesco", 5, day)
	third := seedReceipt(t, gdb, 1, "Tesco", 5, day)

	if _, err := CheckDuplicates(gdb, third); err != nil {
		t.Fatal(err)
	}
	var reloaded models.Receipt
	gdb.First(&reloaded, third.ID)
	if reloaded.DuplicateOfID == nil || *reloaded.DuplicateOfID != first.ID {
		t.Errorf("duplicate_of_id = %v, want lowest id %d", reloaded.DuplicateOfID, first.ID)
	}
}

func TestCheckDuplicatesIgnoresOtherUsersAndDeleted(t *testing.T) {
	gdb := openTestDB(t)
	day := mustDate(t, "2025-08-12")

	otherUser := seedReceipt(t, gdb, 2, "Tesco", 12.50, day)
	_ = otherUser
	deleted := seedReceipt(t, gdb, 1, "Tesco", 12.50, day)
	now := time.Now().UTC()
	gdb.Model(deleted).Update("deleted_at", now)

	candidate := seedReceipt(t, gdb, 1, "Tesco", 12.50, day)
	flagged, err := CheckDuplicates(gdb, candidate)
	if err != nil {
		t.Fatal(err)
	}
	if flagged {
		t.Fatal("flagged despite only cross-user and deleted candidates")
	}
}

func TestCheckDuplicatesRequiresAllThreeFields(t *testing.T) {
	gdb := openTestDB(t)
	day := mustDate(t, "2025-08-12")
	seedReceipt(t, gdb, 1, "Tesco", 12.50, day)

	partial := &models.Receipt{UserID: 1, ImageRef: "user_1/p.jpg", Status: models.StatusPending, Vendor: strp("Tesco"), TotalAmount: f64p(12.50)}
	if err := gdb.Create(partial).Error; err != nil {
		t.Fatal(err)
	}
	flagged, err := CheckDuplicates(gdb, partial)
	if err != nil {
		t.Fatal(err)
	}
	if flagged {
		t.Fatal("receipt without a date must not be flagged")
	}
}

func TestCheckDuplicatesSkipsDeletedSubject(t *testing.T) {
	gdb := openTestDB(t)
	day := mustDate(t, "2025-08-12")
	seedReceipt(t, gdb, 1, "Tesco", 12.50, day)
	subject := seedReceipt(t, gdb, 1, "Tesco", 12.50, day)
	now := time.Now().UTC()
	subject.DeletedAt = &now

	flagged, err := CheckDuplicates(gdb, subject)
	if err != nil {
		t.Fatal(err)
	}
	if flagged {
		t.Fatal("deleted receipt must not be flagged")
	}
}

func TestCheckDuplicatesIsIdempotent(t *testing.T) {
	gdb := openTestDB(t)
	day := mustDate(t, "2025-08-12")
	first := seedReceipt(t, gdb, 1, "Tesco", 12.50, day)
	second := seedReceipt(t, gdb, 1, "Tesco", 12.50, day)

	for i := 0; i < 2; i++ {
		flagged, err := CheckDuplicates(gdb, second)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !flagged {
			t.Fatalf("run %d: not flagged", i)
		}
	}
	var reloaded models.Receipt
	gdb.First(&reloaded, second.ID)
	if reloaded.DuplicateOfID == nil || *reloaded.DuplicateOfID != first.ID {
		t.Errorf("duplicate_of_id = %v, want %d", reloaded.DuplicateOfID, first.ID)
	}
}
