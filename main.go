package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"receiptflow/pkg/extract"
	"receiptflow/pkg/parse"
	"receiptflow/pkg/pipeline"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)
var pipe *pipeline.Pipeline

func main() {
	// Load ./.env if present before reading vars; existing env wins.
	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
	}
	jwtSecret = []byte(secret)

	// Support a lightweight migrate command: `./receiptflow migrate`
	// It runs AutoMigrate then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		initDB()
		log.Println("migration completed")
		return
	}

	initDB()
	initPipeline()

	r := gin.Default()

	setupRoutes(r)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}
	r.Run(addr)
}

func initPipeline() {
	pipe = &pipeline.Pipeline{
		DB:        db,
		Extractor: extract.New(objStore),
		Parser:    newParser(),
		Rates:     newRateSource(),
		Timeout:   pipelineTimeout(),
	}
}

func newParser() parse.Parser {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		log.Println("GEMINI_API_KEY not set; extracted receipts will need manual field entry")
		return parse.Noop{}
	}
	g, err := parse.NewGemini(context.Background(), key, os.Getenv("GEMINI_MODEL"))
	if err != nil {
		log.Printf("gemini init failed (%v); extracted receipts will need manual field entry", err)
		return parse.Noop{}
	}
	return g
}

func pipelineTimeout() time.Duration {
	if v := os.Getenv("OCR_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return pipeline.DefaultTimeout
}
