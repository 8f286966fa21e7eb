package main

import (
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"receiptflow/models"
	"receiptflow/pkg/pipeline"
	"receiptflow/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func setupRoutes(r *gin.Engine) {
	r.POST("/register", registerHandler)
	r.POST("/login", loginHandler)
	r.POST("/email/inbound", handleInboundEmail)
	authGroup := r.Group("")
	authGroup.Use(jwtAuthMiddleware())
	authGroup.GET("/me", meHandler)
	authGroup.POST("/receipts/upload", uploadReceiptHandler)
	authGroup.POST("/receipts", createReceiptHandler)
	authGroup.GET("/receipts", listReceiptsHandler)
	authGroup.GET("/receipts/analytics", analyticsHandler)
	authGroup.GET("/receipts/deleted/list", listDeletedReceiptsHandler)
	authGroup.GET("/receipts/:id", getReceiptHandler)
	authGroup.PUT("/receipts/:id", updateReceiptHandler)
	authGroup.DELETE("/receipts/:id", deleteReceiptHandler)
	authGroup.POST("/receipts/:id/approve", approveReceiptHandler)
	authGroup.POST("/receipts/:id/restore", restoreReceiptHandler)
	authGroup.POST("/receipts/:id/process", processReceiptHandler)
	authGroup.POST("/receipts/:id/dismiss-duplicate", dismissDuplicateHandler)
	authGroup.GET("/receipts/:id/history", receiptHistoryHandler)
	authGroup.GET("/receipts/:id/image", receiptImageHandler)
}

func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		c.Set("username", username)
		c.Next()
	}
}

func registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := RegisterUser(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully", "forwarding_address": user.ForwardingAddress})
}

func loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"user_id":  user.ID,
		"exp":      time.Now().Add(time.Hour * 24).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "forwarding_address": user.ForwardingAddress})
}

func meHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username, "forwarding_address": user.ForwardingAddress})
}

// getUserFromContext fetches the currently authenticated user using the username set by jwtAuthMiddleware
func getUserFromContext(c *gin.Context) (*models.User, bool) {
	unameVal, _ := c.Get("username")
	if unameVal == nil {
		return nil, false
	}
	uname := unameVal.(string)
	var user models.User
	if err := db.Where("username = ? AND active = ? AND deleted_at IS NULL", uname, true).First(&user).Error; err != nil {
		return nil, false
	}
	return &user, true
}

// loadOwnedReceipt parses the :id param and loads the receipt when it belongs
// to the user. includeDeleted widens the lookup for restore and history.
func loadOwnedReceipt(c *gin.Context, user *models.User, includeDeleted bool) (*models.Receipt, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receipt id"})
		return nil, false
	}
	q := db.Where("id = ? AND user_id = ?", id, user.ID)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	var r models.Receipt
	if err := q.First(&r).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
		return nil, false
	}
	return &r, true
}

// uploadReceiptHandler is the direct front door: store the file, create the
// pending receipt, and run the pipeline inline. The receipt is returned even
// when processing failed; the failure shows in its status.
func uploadReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file missing"})
		return
	}
	if file.Size > maxAttachmentSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large (max 10MB)"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !supportedAttachmentExt[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type (jpg, jpeg, png, pdf)"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read file"})
		return
	}

	ref, err := objStore.Put(data, user.ID, file.Filename)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store file"})
		return
	}
	receipt := models.Receipt{UserID: user.ID, ImageRef: ref, Status: models.StatusPending}
	if err := db.Create(&receipt).Error; err != nil {
		objStore.Delete(ref)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	uid := user.ID
	pipeline.RecordEvent(db, receipt.ID, models.EventCreated, pipeline.ActorUser(user.ID), &uid, "", nil, nil, map[string]any{"source": "upload", "filename": file.Filename})

	processed, perr := pipe.Process(receipt.ID)
	if perr != nil {
		log.Printf("upload: pipeline failed for receipt %d: %v", receipt.ID, perr)
	}
	if processed == nil {
		processed = &receipt
	}
	c.JSON(http.StatusCreated, processed)
}

// createReceiptHandler records a hand-entered receipt with no image. It
// enters the review queue directly; there is nothing to extract.
func createReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req pipeline.Update
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt := models.Receipt{UserID: user.ID, Status: models.StatusPending}
	if req.Currency != nil && *req.Currency != "" {
		receipt.Currency = strings.ToUpper(*req.Currency)
	}
	if req.Vendor != nil {
		receipt.Vendor = req.Vendor
	}
	if req.Date != nil {
		d, err := time.Parse("2006-01-02", *req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		receipt.Date = &d
	}
	if req.TotalAmount != nil {
		receipt.TotalAmount = req.TotalAmount
	}
	if req.TaxAmount != nil {
		receipt.TaxAmount = req.TaxAmount
	}
	if req.Items != nil {
		receipt.Items = req.Items
	}
	if req.Category != nil && *req.Category != "" {
		cat, ok := models.MatchCategory(*req.Category)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
			return
		}
		receipt.Category = &cat
	}
	if req.Notes != nil {
		receipt.Notes = req.Notes
	}
	if req.IsBusiness != nil {
		receipt.IsBusiness = *req.IsBusiness
	}
	if err := db.Create(&receipt).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	uid := user.ID
	pipeline.RecordEvent(db, receipt.ID, models.EventCreated, pipeline.ActorUser(user.ID), &uid, "", nil, nil, map[string]any{"source": "manual"})
	pipeline.RunDuplicateCheck(db, &receipt)
	c.JSON(http.StatusCreated, receipt)
}

func listReceiptsHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	q := db.Model(&models.Receipt{}).Where("user_id = ? AND deleted_at IS NULL", user.ID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if cat := c.Query("category"); cat != "" {
		q = q.Where("category = ?", cat)
	}
	if c.Query("suspect") == "true" {
		q = q.Where("duplicate_suspect = ? AND duplicate_dismissed = ?", true, false)
	}
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}
	var items []models.Receipt
	if err := q.Order("id desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, items)
}

func listDeletedReceiptsHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var items []models.Receipt
	err := db.Where("user_id = ? AND deleted_at IS NOT NULL", user.ID).
		Order("deleted_at desc").Limit(200).Find(&items).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, items)
}

func getReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r)
}

func updateReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, false)
	if !ok {
		return
	}
	var req pipeline.Update
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := pipe.Edit(r, user.ID, req); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrBadDate):
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		case errors.Is(err, pipeline.ErrUnknownCategory):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		}
		return
	}
	c.JSON(http.StatusOK, r)
}

func deleteReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, false)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if err := db.Model(&models.Receipt{}).Where("id = ?", r.ID).Update("deleted_at", now).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	uid := user.ID
	pipeline.RecordEvent(db, r.ID, models.EventDeleted, pipeline.ActorUser(user.ID), &uid, "", nil, nil, nil)
	c.JSON(http.StatusOK, gin.H{"message": "receipt deleted"})
}

func restoreReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, true)
	if !ok {
		return
	}
	if r.DeletedAt == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "receipt is not deleted"})
		return
	}
	if err := db.Model(&models.Receipt{}).Where("id = ?", r.ID).Update("deleted_at", nil).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restore failed"})
		return
	}
	r.DeletedAt = nil
	uid := user.ID
	pipeline.RecordEvent(db, r.ID, models.EventRestored, pipeline.ActorUser(user.ID), &uid, "", nil, nil, nil)
	pipeline.RunDuplicateCheck(db, r)
	c.JSON(http.StatusOK, r)
}

func approveReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, false)
	if !ok {
		return
	}
	if err := pipe.Approve(r, user.ID); err != nil {
		if errors.Is(err, pipeline.ErrNotPending) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "approve failed"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// processReceiptHandler re-runs the pipeline, the recovery path for receipts
// that ended up failed.
func processReceiptHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, false)
	if !ok {
		return
	}
	if r.Status == models.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "receipt already completed"})
		return
	}
	if r.ImageRef == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "receipt has no stored image"})
		return
	}
	processed, err := pipe.Process(r.ID)
	if err != nil {
		if errors.Is(err, pipeline.ErrProcessing) {
			c.JSON(http.StatusConflict, gin.H{"error": "receipt is already being processed"})
			return
		}
		log.Printf("process: pipeline failed for receipt %d: %v", r.ID, err)
	}
	if processed == nil {
		processed = r
	}
	c.JSON(http.StatusOK, processed)
}

func dismissDuplicateHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, false)
	if !ok {
		return
	}
	if !r.DuplicateSuspect {
		c.JSON(http.StatusConflict, gin.H{"error": "receipt is not flagged as a duplicate"})
		return
	}
	if r.DuplicateDismissed {
		c.JSON(http.StatusOK, r)
		return
	}
	if err := db.Model(&models.Receipt{}).Where("id = ?", r.ID).Update("duplicate_dismissed", true).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dismiss failed"})
		return
	}
	r.DuplicateDismissed = true
	uid := user.ID
	pipeline.RecordEvent(db, r.ID, models.EventFieldUpdated, pipeline.ActorUser(user.ID), &uid, "duplicate_dismissed", false, true, nil)
	c.JSON(http.StatusOK, r)
}

func receiptHistoryHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, true)
	if !ok {
		return
	}
	events, err := pipeline.History(db, r.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, events)
}

func receiptImageHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	r, ok := loadOwnedReceipt(c, user, false)
	if !ok {
		return
	}
	if r.ImageRef == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt has no stored image"})
		return
	}
	data, err := objStore.Get(r.ImageRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "stored image missing"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read image"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

// analyticsHandler aggregates the user's receipts. Sums cover completed
// receipts only; counts cover everything not deleted. Aggregation runs in Go
// so it behaves the same on every SQL backend.
func analyticsHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var receipts []models.Receipt
	if err := db.Where("user_id = ? AND deleted_at IS NULL", user.ID).Find(&receipts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	byStatus := map[string]int{}
	monthly := map[string]float64{}
	byCategory := map[string]float64{}
	var total, tax float64
	for _, r := range receipts {
		byStatus[r.Status]++
		if r.Status != models.StatusCompleted || r.TotalAmount == nil {
			continue
		}
		total += *r.TotalAmount
		if r.TaxAmount != nil {
			tax += *r.TaxAmount
		}
		if r.Date != nil {
			monthly[r.Date.UTC().Format("2006-01")] += *r.TotalAmount
		}
		cat := models.CategoryOther
		if r.Category != nil {
			cat = *r.Category
		}
		byCategory[cat] += *r.TotalAmount
	}
	c.JSON(http.StatusOK, gin.H{
		"count":        len(receipts),
		"by_status":    byStatus,
		"total_amount": round2(total),
		"tax_amount":   round2(tax),
		"monthly":      roundMap(monthly),
		"by_category":  roundMap(byCategory),
		"currency":     pipeline.BaseCurrency,
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundMap(m map[string]float64) map[string]float64 {
	for k, v := range m {
		m[k] = round2(v)
	}
	return m
}
