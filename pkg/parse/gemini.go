package parse

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// receiptPrompt instructs the model to return strict JSON matching Fields.
const receiptPrompt = `You are a receipt parser specialized in UK receipts. Extract structured data from the receipt text below.

HMRC expense categories (use these names exactly):
Office Costs, Travel Costs, Clothing, Staff Costs, Stock and Materials, Financial Costs, Business Premises, Advertising and Marketing, Training and Development, Other.

Rules:
- vendor: the business name, or null
- date: transaction date as YYYY-MM-DD, or null
- total_amount: final total as a number without currency symbols, or null
- tax_amount: VAT/tax amount if shown separately, or null
- currency: ISO 4217 code of the receipt currency (GBP, EUR, USD, ...), or null
- category: one HMRC category name from the list, or null
- items: array of {"name": string, "price": number}, or []

Return ONLY a JSON object with exactly those keys. No markdown, no explanation.

Receipt text:
`

// Gemini implements Parser with Google Gemini. Model failures degrade to an
// empty field set so the pipeline can still finish with a blank receipt.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a Gemini-backed parser.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	return &Gemini{client: client, model: model}, nil
}

// Parse sends the raw text to Gemini and decodes the JSON reply. On any model
// or decode failure it logs and returns empty Fields with a nil error; only a
// dead context is escalated.
func (g *Gemini) Parse(ctx context.Context, rawText string) (Fields, error) {
	if strings.TrimSpace(rawText) == "" {
		return Fields{}, nil
	}

	resp, err := g.model.GenerateContent(ctx, genai.Text(receiptPrompt+rawText))
	if err != nil {
		if ctx.Err() != nil {
			return Fields{}, ctx.Err()
		}
		log.Printf("parse: gemini call failed: %v", err)
		return Fields{}, nil
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		log.Printf("parse: empty gemini response")
		return Fields{}, nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	fields, err := DecodeFields(sb.String())
	if err != nil {
		log.Printf("parse: bad gemini payload: %v", err)
		return Fields{}, nil
	}
	return fields, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
