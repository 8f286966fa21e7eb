package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"receiptflow/models"
	"receiptflow/pkg/extract"
	"receiptflow/pkg/parse"
	"receiptflow/pkg/pipeline"
	"receiptflow/pkg/store"
)

// Re-runs the pipeline over failed receipts, the batch recovery path after an
// OCR or parser outage.
func main() {
	_ = godotenv.Load()
	username := flag.String("username", "", "limit to one user's receipts (default: all users)")
	limit := flag.Int("limit", 100, "max receipts to retry in one run")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN not set")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	base := os.Getenv("UPLOAD_BASE")
	if base == "" {
		base = "uploads"
	}
	st, err := store.New(base)
	if err != nil {
		log.Fatalf("object store: %v", err)
	}
	var parser parse.Parser = parse.Noop{}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if g, gerr := parse.NewGemini(context.Background(), key, os.Getenv("GEMINI_MODEL")); gerr == nil {
			parser = g
		} else {
			log.Printf("gemini init failed: %v", gerr)
		}
	}
	pipe := &pipeline.Pipeline{DB: gdb, Extractor: extract.New(st), Parser: parser}

	q := gdb.Where("status = ? AND deleted_at IS NULL AND image_ref <> ''", models.StatusFailed)
	if *username != "" {
		var user models.User
		if err := gdb.Where("username = ?", *username).First(&user).Error; err != nil {
			log.Fatalf("user not found: %v", err)
		}
		q = q.Where("user_id = ?", user.ID)
	}
	var receipts []models.Receipt
	if err := q.Order("id asc").Limit(*limit).Find(&receipts).Error; err != nil {
		log.Fatalf("query: %v", err)
	}
	log.Printf("retrying %d failed receipts", len(receipts))

	recovered := 0
	for _, r := range receipts {
		processed, err := pipe.Process(r.ID)
		if err != nil {
			log.Printf("still failing id=%d: %v", r.ID, err)
			continue
		}
		recovered++
		fmt.Printf("recovered id=%d status=%s\n", processed.ID, processed.Status)
	}
	log.Printf("done: %d/%d recovered", recovered, len(receipts))
}
