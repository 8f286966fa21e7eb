package models

import "strings"

// Fixed expense category enumeration (HMRC allowable-expense display names).
// Parser output is matched against these by display value; anything else is
// discarded rather than stored as free text.
const (
	CategoryOfficeCosts      = "Office Costs"
	CategoryTravelCosts      = "Travel Costs"
	CategoryClothing         = "Clothing"
	CategoryStaffCosts       = "Staff Costs"
	CategoryStockMaterials   = "Stock and Materials"
	CategoryFinancialCosts   = "Financial Costs"
	CategoryBusinessPremises = "Business Premises"
	CategoryAdvertising      = "Advertising and Marketing"
	CategoryTraining         = "Training and Development"
	CategoryOther            = "Other"
)

var categories = []string{
	CategoryOfficeCosts,
	CategoryTravelCosts,
	CategoryClothing,
	CategoryStaffCosts,
	CategoryStockMaterials,
	CategoryFinancialCosts,
	CategoryBusinessPremises,
	CategoryAdvertising,
	CategoryTraining,
	CategoryOther,
}

// Categories returns the fixed enumeration in display order.
func Categories() []string {
	out := make([]string, len(categories))
	copy(out, categories)
	return out
}

// MatchCategory resolves a display value to a category constant. The match is
// exact after trimming surrounding whitespace.
func MatchCategory(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, c := range categories {
		if c == s {
			return c, true
		}
	}
	return "", false
}
