package parse

import "context"

// Noop extracts nothing. Used when no model backend is configured, leaving
// receipts to manual field entry.
type Noop struct{}

func (Noop) Parse(ctx context.Context, rawText string) (Fields, error) {
	return Fields{}, nil
}
