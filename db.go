package main

import (
	"log"
	"os"
	"strings"

	"receiptflow/models"
	"receiptflow/pkg/store"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var db *gorm.DB
var objStore *store.Store

func initDB() {
	var err error
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	if shouldMigrate {
		migrateModels(db)
	}
	initObjectStore()
}

// migrateModels migrates each model individually so a failure on one doesn't block others.
func migrateModels(gdb *gorm.DB) {
	if err := gdb.AutoMigrate(&models.User{}); err != nil {
		log.Printf("migration warning (users): %v", err)
	}
	if err := gdb.AutoMigrate(&models.Receipt{}); err != nil {
		log.Printf("migration warning (receipts): %v", err)
	}
	if err := gdb.AutoMigrate(&models.AuditEvent{}); err != nil {
		log.Printf("migration warning (audit_events): %v", err)
	}
	if err := gdb.AutoMigrate(&models.ProcessedMessage{}); err != nil {
		log.Printf("migration warning (processed_messages): %v", err)
	}
}

func initObjectStore() {
	var err error
	objStore, err = store.New(uploadBaseDir())
	if err != nil {
		log.Fatal("failed to initialize object store:", err)
	}
}

// uploadBaseDir returns the base directory for stored receipt objects (configurable via UPLOAD_BASE env)
func uploadBaseDir() string {
	if v := os.Getenv("UPLOAD_BASE"); v != "" {
		return v
	}
	return "uploads"
}
