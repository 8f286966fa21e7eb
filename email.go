package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"receiptflow/models"
	"receiptflow/pkg/pipeline"
)

const (
	maxAttachmentSize = 10 << 20
	ledgerMaxRows     = 10000
	ledgerRetention   = 7 * 24 * time.Hour
)

var supportedAttachmentExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".pdf":  true,
}

// pipelineDispatch hands a stored receipt to the pipeline without blocking
// the webhook response. Var so tests can run it synchronously.
var pipelineDispatch = func(receiptID uint) {
	go func() {
		if _, err := pipe.Process(receiptID); err != nil {
			log.Printf("email: pipeline failed for receipt %d: %v", receiptID, err)
		}
	}()
}

// messageFingerprint derives a stable identity for an inbound message from
// its envelope and attachment names. No wall-clock input: a provider retry
// of the same message must produce the same fingerprint.
func messageFingerprint(to, from, subject string, filenames []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", to, from, subject, len(filenames))
	for _, name := range filenames {
		fmt.Fprintf(h, "|%s", name)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// markMessageProcessed claims the fingerprint by inserting into the ledger.
// Returns false when another delivery of the same message already holds it:
// the unique index, not a read-then-write, is what makes concurrent retries
// safe.
func markMessageProcessed(gdb *gorm.DB, fingerprint, to, from, subject string, attachments int) (bool, error) {
	entry := models.ProcessedMessage{
		Fingerprint:     fingerprint,
		ProcessedAt:     time.Now().UTC(),
		ToAddress:       to,
		FromAddress:     from,
		Subject:         subject,
		AttachmentCount: attachments,
	}
	if err := gdb.Create(&entry).Error; err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// pruneLedger trims old entries once the ledger grows past the row
// threshold. Recent rows stay regardless of size so in-flight provider
// retries keep matching.
func pruneLedger(gdb *gorm.DB) {
	var count int64
	if err := gdb.Model(&models.ProcessedMessage{}).Count(&count).Error; err != nil {
		log.Printf("email: ledger count failed: %v", err)
		return
	}
	if count <= ledgerMaxRows {
		return
	}
	cutoff := time.Now().UTC().Add(-ledgerRetention)
	res := gdb.Where("processed_at < ?", cutoff).Delete(&models.ProcessedMessage{})
	if res.Error != nil {
		log.Printf("email: ledger prune failed: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		log.Printf("email: pruned %d ledger entries older than %s", res.RowsAffected, cutoff.Format(time.RFC3339))
	}
}

// handleInboundEmail is the provider webhook for forwarded receipts. It
// always answers 200 so the provider does not retry on our business
// decisions; only a malformed payload or a ledger write failure is an error.
func handleInboundEmail(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxAttachmentSize); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form payload"})
		return
	}
	to := strings.ToLower(strings.TrimSpace(c.PostForm("to")))
	from := strings.TrimSpace(c.PostForm("from"))
	subject := c.PostForm("subject")
	if to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "missing recipient"})
		return
	}

	var files []*multipart.FileHeader
	if c.Request.MultipartForm != nil {
		for _, headers := range c.Request.MultipartForm.File {
			files = append(files, headers...)
		}
	}
	filenames := make([]string, 0, len(files))
	for _, fh := range files {
		filenames = append(filenames, fh.Filename)
	}

	// Claim the fingerprint before any other work so a concurrent retry of
	// the same message observes it, and so rejected deliveries are ledgered
	// too. The hash covers every attachment name, supported or not.
	fingerprint := messageFingerprint(to, from, subject, filenames)
	claimed, err := markMessageProcessed(db, fingerprint, to, from, subject, len(files))
	if err != nil {
		log.Printf("email: ledger insert failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "could not record message"})
		return
	}
	if !claimed {
		log.Printf("email: duplicate delivery of message %s, skipping", fingerprint[:12])
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "created": []uint{}})
		return
	}
	pruneLedger(db)

	var user models.User
	if err := db.Where("forwarding_address = ? AND active = ? AND deleted_at IS NULL", to, true).First(&user).Error; err != nil {
		log.Printf("email: no active user for recipient %s", to)
		c.JSON(http.StatusOK, gin.H{"status": "error", "error": "unknown recipient", "created": []uint{}})
		return
	}

	var supported []*multipart.FileHeader
	for _, fh := range files {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if !supportedAttachmentExt[ext] {
			log.Printf("email: skipping unsupported attachment %s from %s", fh.Filename, from)
			continue
		}
		if fh.Size > maxAttachmentSize {
			log.Printf("email: skipping oversized attachment %s (%d bytes)", fh.Filename, fh.Size)
			continue
		}
		supported = append(supported, fh)
	}
	if len(supported) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "error", "error": "no supported attachments", "created": []uint{}})
		return
	}

	created := []uint{}
	for _, fh := range supported {
		id, err := storeEmailAttachment(fh, &user)
		if err != nil {
			log.Printf("email: attachment %s failed: %v", fh.Filename, err)
			continue
		}
		created = append(created, id)
	}
	for _, id := range created {
		pipelineDispatch(id)
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "created": created})
}

// storeEmailAttachment persists one attachment as a pending receipt. The
// pipeline run happens later; a failure here loses only this attachment,
// not its siblings.
func storeEmailAttachment(fh *multipart.FileHeader, user *models.User) (uint, error) {
	f, err := fh.Open()
	if err != nil {
		return 0, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxAttachmentSize+1))
	if err != nil {
		return 0, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > maxAttachmentSize {
		return 0, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentSize)
	}

	ref, err := objStore.Put(data, user.ID, fh.Filename)
	if err != nil {
		return 0, fmt.Errorf("store attachment: %w", err)
	}
	receipt := models.Receipt{
		UserID:   user.ID,
		ImageRef: ref,
		Status:   models.StatusPending,
	}
	if err := db.Create(&receipt).Error; err != nil {
		objStore.Delete(ref)
		return 0, fmt.Errorf("create receipt: %w", err)
	}
	pipeline.RecordEvent(db, receipt.ID, models.EventCreated, pipeline.ActorSystemEmail, nil, "", nil, nil, map[string]any{"source": "email", "filename": fh.Filename})
	return receipt.ID, nil
}
