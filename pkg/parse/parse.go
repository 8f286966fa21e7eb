package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Fields is the structured output of receipt parsing. Every member is
// optional; a field the parser could not determine stays nil.
type Fields struct {
	Vendor      *string  `json:"vendor"`
	Date        *string  `json:"date"` // YYYY-MM-DD
	TotalAmount *float64 `json:"total_amount"`
	TaxAmount   *float64 `json:"tax_amount"`
	Currency    *string  `json:"currency"` // ISO 4217, e.g. GBP, EUR
	Category    *string  `json:"category"`
	Items       []Item   `json:"items"`
}

// Item is one parsed line item.
type Item struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Empty reports whether no field was extracted at all.
func (f Fields) Empty() bool {
	return f.Vendor == nil && f.Date == nil && f.TotalAmount == nil &&
		f.TaxAmount == nil && f.Currency == nil && f.Category == nil && len(f.Items) == 0
}

// Parser turns raw OCR text into Fields. Implementations degrade gracefully:
// an upstream model failure yields empty Fields and a nil error so the
// pipeline can still hand the receipt back for manual entry. A non-nil error
// is reserved for hard failures such as a hit deadline.
type Parser interface {
	Parse(ctx context.Context, rawText string) (Fields, error)
}

// DecodeFields extracts and unmarshals the JSON object embedded in a model
// response. It tolerates markdown fences and prose around the object.
func DecodeFields(text string) (Fields, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return Fields{}, fmt.Errorf("no JSON object in response")
	}

	var f Fields
	if err := json.Unmarshal([]byte(text[start:end+1]), &f); err != nil {
		return Fields{}, fmt.Errorf("unmarshal fields: %w", err)
	}

	// Normalize empty strings to absent.
	if f.Vendor != nil && strings.TrimSpace(*f.Vendor) == "" {
		f.Vendor = nil
	}
	if f.Date != nil && strings.TrimSpace(*f.Date) == "" {
		f.Date = nil
	}
	if f.Category != nil && strings.TrimSpace(*f.Category) == "" {
		f.Category = nil
	}
	if f.Currency != nil {
		c := strings.ToUpper(strings.TrimSpace(*f.Currency))
		if c == "" {
			f.Currency = nil
		} else {
			f.Currency = &c
		}
	}
	return f, nil
}
