package parse

import (
	"context"
	"testing"
)

func TestDecodeFieldsPlainJSON(t *testing.T) {
	f, err := DecodeFields(`{"vendor":"Tesco","date":"2025-08-14","total_amount":12.5,"currency":"gbp","items":[{"name":"Milk","price":1.2}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if f.Vendor == nil || *f.Vendor != "Tesco" {
		t.Errorf("vendor = %v", f.Vendor)
	}
	if f.Date == nil || *f.Date != "2025-08-14" {
		t.Errorf("date = %v", f.Date)
	}
	if f.TotalAmount == nil || *f.TotalAmount != 12.5 {
		t.Errorf("total = %v", f.TotalAmount)
	}
	if f.Currency == nil || *f.Currency != "GBP" {
		t.Errorf("currency = %v, want uppercased GBP", f.Currency)
	}
	if len(f.Items) != 1 || f.Items[0].Name != "Milk" {
		t.Errorf("items = %v", f.Items)
	}
}

func TestDecodeFieldsMarkdownFence(t *testing.T) {
	f, err := DecodeFields("```json\n{\"vendor\": \"Boots\"}\n```")
	if err != nil {
		t.Fatal(err)
	}
	if f.Vendor == nil || *f.Vendor != "Boots" {
		t.Errorf("vendor = %v", f.Vendor)
	}
}

func TestDecodeFieldsSurroundingProse(t *testing.T) {
	f, err := DecodeFields("Here is the extracted data:\n{\"total_amount\": 3.99}\nLet me know if you need more.")
	if err != nil {
		t.Fatal(err)
	}
	if f.TotalAmount == nil || *f.TotalAmount != 3.99 {
		t.Errorf("total = %v", f.TotalAmount)
	}
}

func TestDecodeFieldsNormalizesEmptyStrings(t *testing.T) {
	f, err := DecodeFields(`{"vendor":"  ","date":"","currency":" ","category":""}`)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Empty() {
		t.Errorf("blank strings should normalize to absent, got %+v", f)
	}
}

func TestDecodeFieldsRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "no json here", "{broken"} {
		if _, err := DecodeFields(in); err == nil {
			t.Errorf("DecodeFields(%q): expected error", in)
		}
	}
}

func TestNoopParserReturnsEmpty(t *testing.T) {
	f, err := Noop{}.Parse(context.Background(), "SOME RECEIPT TEXT")
	if err != nil {
		t.Fatal(err)
	}
	if !f.Empty() {
		t.Errorf("noop parser produced fields: %+v", f)
	}
}
