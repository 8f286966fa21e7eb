package report

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"receiptflow/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func mustDBFromEnv() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN not set in env")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	return gdb
}

// RunReport prints a month-bounded expense report for username (month in
// YYYY-MM). Sums cover completed receipts only; optionally lists the rows.
func RunReport(username, month string, list bool) {
	gdb := mustDBFromEnv()

	var user models.User
	if err := gdb.Where("username = ?", username).First(&user).Error; err != nil {
		log.Fatalf("user not found: %v", err)
	}

	t, err := time.Parse("2006-01", month)
	if err != nil {
		log.Fatalf("invalid month format, expected YYYY-MM: %v", err)
	}
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var total, tax sql.NullFloat64
	var cnt int64
	err = gdb.Raw(`SELECT COALESCE(SUM(total_amount),0), COALESCE(SUM(tax_amount),0), COUNT(*)
		FROM receipts
		WHERE user_id = ? AND status = ? AND deleted_at IS NULL AND date >= ? AND date < ?`,
		user.ID, models.StatusCompleted, start, end).Row().Scan(&total, &tax, &cnt)
	if err != nil {
		log.Fatalf("query failed: %v", err)
	}

	fmt.Printf("Report for user=%s month=%s (UTC):\n", user.Username, month)
	fmt.Printf("  completed=%d total_amount=%.2f tax_amount=%.2f\n", cnt, total.Float64, tax.Float64)

	if list {
		var rows []models.Receipt
		if err := gdb.Where("user_id = ? AND status = ? AND deleted_at IS NULL AND date >= ? AND date < ?",
			user.ID, models.StatusCompleted, start, end).Order("id").Find(&rows).Error; err != nil {
			log.Fatalf("fetch rows failed: %v", err)
		}
		for _, r := range rows {
			vendor, category := "", ""
			if r.Vendor != nil {
				vendor = *r.Vendor
			}
			if r.Category != nil {
				category = *r.Category
			}
			amount := 0.0
			if r.TotalAmount != nil {
				amount = *r.TotalAmount
			}
			fmt.Printf("%d|%s|%.2f|%s|%s\n", r.ID, vendor, amount, category, r.Date.UTC().Format("2006-01-02"))
		}
	}
}
