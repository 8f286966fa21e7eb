package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"gorm.io/gorm"

	"receiptflow/models"
	"receiptflow/pkg/extract"
	"receiptflow/pkg/parse"
)

// BaseCurrency is the currency analytics and tax reporting run in.
const BaseCurrency = "GBP"

// DefaultTimeout bounds one extraction+parsing run.
const DefaultTimeout = 60 * time.Second

// Extractor is the field-extraction adapter contract (pkg/extract implements
// it; tests substitute fakes).
type Extractor interface {
	Extract(ctx context.Context, ref string, ownerID uint) (extract.Result, error)
}

// RateSource resolves a conversion rate from a foreign currency to the base
// currency. The lookup itself is an external collaborator; a nil source means
// foreign amounts are recorded unconverted.
type RateSource interface {
	Rate(ctx context.Context, currency string) (float64, error)
}

// Pipeline owns the receipt lifecycle: it drives extraction, parsing, merge
// and duplicate detection, and enforces the status transitions.
type Pipeline struct {
	DB        *gorm.DB
	Extractor Extractor
	Parser    parse.Parser
	Rates     RateSource
	Timeout   time.Duration
}

func (p *Pipeline) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}

// Process runs one full pipeline pass over the receipt:
// pending -> processing -> pending on success, -> failed on any step error.
// The receipt row is never rolled back; raw extracted text and a rewritten
// image ref are persisted before parsing so a later failure keeps them. The
// error (if any) is returned so the front door can decide what to surface.
func (p *Pipeline) Process(receiptID uint) (*models.Receipt, error) {
	var r models.Receipt
	if err := p.DB.First(&r, receiptID).Error; err != nil {
		return nil, fmt.Errorf("load receipt %d: %w", receiptID, ErrReceiptNotFound)
	}
	if r.DeletedAt != nil {
		return nil, fmt.Errorf("receipt %d is deleted: %w", receiptID, ErrReceiptNotFound)
	}
	if r.Status == models.StatusProcessing {
		return &r, ErrProcessing
	}

	if err := p.setStatus(&r, models.StatusProcessing, ActorSystemOCR); err != nil {
		return &r, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()

	res, err := p.Extractor.Extract(ctx, r.ImageRef, r.UserID)
	if err != nil {
		return p.fail(&r, fmt.Errorf("extract: %w", err))
	}

	// Raw text (and the preview ref, when the source was a document) is
	// persisted before parsing so a parse failure keeps the partial value.
	updates := map[string]any{"raw_text": res.Text}
	if res.PreviewRef != "" {
		updates["image_ref"] = res.PreviewRef
		r.ImageRef = res.PreviewRef
	}
	r.RawText = &res.Text
	if err := p.DB.Model(&models.Receipt{}).Where("id = ?", r.ID).Updates(updates).Error; err != nil {
		return p.fail(&r, fmt.Errorf("persist raw text: %w", err))
	}

	fields, err := p.Parser.Parse(ctx, res.Text)
	if err != nil {
		return p.fail(&r, fmt.Errorf("parse: %w", err))
	}

	merged := p.merge(ctx, &r, fields)
	if err := p.DB.Save(&r).Error; err != nil {
		return p.fail(&r, fmt.Errorf("persist merged fields: %w", err))
	}

	old := r.Status
	r.Status = models.StatusPending
	if err := p.DB.Model(&models.Receipt{}).Where("id = ?", r.ID).Update("status", r.Status).Error; err != nil {
		return p.fail(&r, fmt.Errorf("persist status: %w", err))
	}
	RecordEvent(p.DB, r.ID, models.EventExtractionCompleted, ActorSystemOCR, nil, "", nil, nil, map[string]any{"extracted_fields": merged})
	RecordEvent(p.DB, r.ID, models.EventStatusChanged, ActorSystemOCR, nil, "status", old, r.Status, nil)

	RunDuplicateCheck(p.DB, &r)

	if err := p.DB.First(&r, r.ID).Error; err != nil {
		return &r, nil
	}
	return &r, nil
}

// fail records the transition to failed and hands the step error back to the
// caller. The uploaded artifact and any persisted raw text stay untouched.
func (p *Pipeline) fail(r *models.Receipt, cause error) (*models.Receipt, error) {
	if err := p.setStatus(r, models.StatusFailed, ActorSystemOCR); err != nil {
		log.Printf("pipeline: could not mark receipt %d failed: %v", r.ID, err)
	}
	return r, cause
}

// setStatus persists a status transition and emits the status-changed event.
func (p *Pipeline) setStatus(r *models.Receipt, status, actor string) error {
	old := r.Status
	r.Status = status
	if err := p.DB.Model(&models.Receipt{}).Where("id = ?", r.ID).Update("status", status).Error; err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	RecordEvent(p.DB, r.ID, models.EventStatusChanged, actor, nil, "status", old, status, nil)
	return nil
}

// merge applies non-null parsed fields onto the receipt and returns the map
// of applied values for the extraction-completed audit payload. Unparsable
// dates and unmatched categories are discarded, not stored.
func (p *Pipeline) merge(ctx context.Context, r *models.Receipt, fields parse.Fields) map[string]any {
	merged := map[string]any{}

	if fields.Vendor != nil {
		v := *fields.Vendor
		r.Vendor = &v
		merged["vendor"] = v
	}
	if fields.Date != nil {
		if d, err := time.Parse("2006-01-02", *fields.Date); err == nil {
			r.Date = &d
			merged["date"] = *fields.Date
		}
	}
	if fields.TotalAmount != nil {
		v := *fields.TotalAmount
		r.TotalAmount = &v
		merged["total_amount"] = v
	}
	if fields.TaxAmount != nil {
		v := *fields.TaxAmount
		r.TaxAmount = &v
		merged["tax_amount"] = v
	}
	if len(fields.Items) > 0 {
		if b, err := json.Marshal(fields.Items); err == nil {
			s := string(b)
			r.Items = &s
			merged["items"] = fields.Items
		}
	}
	if fields.Category != nil {
		if cat, ok := models.MatchCategory(*fields.Category); ok {
			r.Category = &cat
			merged["category"] = cat
		}
	}

	if fields.Currency != nil && *fields.Currency != BaseCurrency && fields.TotalAmount != nil {
		cur := *fields.Currency
		orig := *fields.TotalAmount
		r.Currency = cur
		r.OriginalAmount = &orig
		merged["currency"] = cur
		if p.Rates != nil {
			if rate, err := p.Rates.Rate(ctx, cur); err == nil {
				conv := math.Round(orig*rate*100) / 100
				now := time.Now().UTC()
				r.TotalAmount = &conv
				r.ExchangeRate = &rate
				r.ExchangeRateDate = &now
				merged["total_amount"] = conv
			} else {
				log.Printf("pipeline: no %s rate for receipt %d: %v", cur, r.ID, err)
			}
		}
	}

	return merged
}

// Approve moves a reviewed receipt from pending to completed. Any other
// source status is rejected. The post-approval duplicate check covers fields
// that were hand-entered rather than extracted.
func (p *Pipeline) Approve(r *models.Receipt, userID uint) error {
	if r.Status != models.StatusPending {
		return fmt.Errorf("%w (current status: %s)", ErrNotPending, r.Status)
	}
	old := r.Status
	r.Status = models.StatusCompleted
	if err := p.DB.Model(&models.Receipt{}).Where("id = ?", r.ID).Update("status", r.Status).Error; err != nil {
		return fmt.Errorf("approve receipt %d: %w", r.ID, err)
	}
	uid := userID
	RecordEvent(p.DB, r.ID, models.EventApproved, ActorUser(userID), &uid, "", nil, nil, nil)
	RecordEvent(p.DB, r.ID, models.EventStatusChanged, ActorUser(userID), &uid, "status", old, r.Status, nil)
	RunDuplicateCheck(p.DB, r)
	return nil
}

// Update is a partial update of user-editable fields. Nil members are left
// untouched.
type Update struct {
	Vendor      *string  `json:"vendor"`
	Date        *string  `json:"date"` // YYYY-MM-DD
	TotalAmount *float64 `json:"total_amount"`
	TaxAmount   *float64 `json:"tax_amount"`
	Currency    *string  `json:"currency"`
	Items       *string  `json:"items"`
	Category    *string  `json:"category"`
	Notes       *string  `json:"notes"`
	IsBusiness  *bool    `json:"is_business"`
}

// Edit applies a partial update. One field-updated audit event is emitted per
// field whose stringified value actually changed; a no-op edit emits nothing.
// Duplicate detection re-runs when vendor, amount, or date changed.
func (p *Pipeline) Edit(r *models.Receipt, userID uint, upd Update) error {
	type change struct {
		field string
		old   *string
		new   string
	}
	var changes []change
	mark := func(field string, oldS string, oldOK bool, newS string) {
		c := change{field: field, new: newS}
		if oldOK {
			o := oldS
			c.old = &o
		}
		changes = append(changes, c)
	}
	dupRelevant := false

	if upd.Vendor != nil {
		oldS, oldOK := stringifyValue(r.Vendor)
		if !oldOK || oldS != *upd.Vendor {
			mark("vendor", oldS, oldOK, *upd.Vendor)
			v := *upd.Vendor
			r.Vendor = &v
			dupRelevant = true
		}
	}
	if upd.Date != nil {
		d, err := time.Parse("2006-01-02", *upd.Date)
		if err != nil {
			return ErrBadDate
		}
		oldS, oldOK := stringifyValue(r.Date)
		if !oldOK || oldS != *upd.Date {
			mark("date", oldS, oldOK, *upd.Date)
			r.Date = &d
			dupRelevant = true
		}
	}
	if upd.TotalAmount != nil {
		oldS, oldOK := stringifyValue(r.TotalAmount)
		newS, _ := stringifyValue(*upd.TotalAmount)
		if !oldOK || oldS != newS {
			mark("total_amount", oldS, oldOK, newS)
			v := *upd.TotalAmount
			r.TotalAmount = &v
			dupRelevant = true
		}
	}
	if upd.TaxAmount != nil {
		oldS, oldOK := stringifyValue(r.TaxAmount)
		newS, _ := stringifyValue(*upd.TaxAmount)
		if !oldOK || oldS != newS {
			mark("tax_amount", oldS, oldOK, newS)
			v := *upd.TaxAmount
			r.TaxAmount = &v
		}
	}
	if upd.Currency != nil {
		cur := *upd.Currency
		if r.Currency != cur {
			mark("currency", r.Currency, true, cur)
			r.Currency = cur
		}
	}
	if upd.Items != nil {
		oldS, oldOK := stringifyValue(r.Items)
		if !oldOK || oldS != *upd.Items {
			mark("items", oldS, oldOK, *upd.Items)
			v := *upd.Items
			r.Items = &v
		}
	}
	if upd.Category != nil {
		newCat := ""
		if *upd.Category != "" {
			cat, ok := models.MatchCategory(*upd.Category)
			if !ok {
				return ErrUnknownCategory
			}
			newCat = cat
		}
		oldS, oldOK := stringifyValue(r.Category)
		if !oldOK || oldS != newCat {
			mark("category", oldS, oldOK, newCat)
			if newCat == "" {
				r.Category = nil
			} else {
				r.Category = &newCat
			}
		}
	}
	if upd.Notes != nil {
		oldS, oldOK := stringifyValue(r.Notes)
		if !oldOK || oldS != *upd.Notes {
			mark("notes", oldS, oldOK, *upd.Notes)
			v := *upd.Notes
			r.Notes = &v
		}
	}
	if upd.IsBusiness != nil {
		oldS, _ := stringifyValue(r.IsBusiness)
		newS, _ := stringifyValue(*upd.IsBusiness)
		if oldS != newS {
			mark("is_business", oldS, true, newS)
			r.IsBusiness = *upd.IsBusiness
		}
	}

	if len(changes) == 0 {
		return nil
	}
	if err := p.DB.Save(r).Error; err != nil {
		return fmt.Errorf("save receipt %d: %w", r.ID, err)
	}
	uid := userID
	for _, c := range changes {
		RecordEvent(p.DB, r.ID, models.EventFieldUpdated, ActorUser(userID), &uid, c.field, c.old, c.new, nil)
	}
	if dupRelevant {
		RunDuplicateCheck(p.DB, r)
	}
	return nil
}
