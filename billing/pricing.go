package billing

import (
	"encoding/json"
	"log"
	"os"
	"strings"
)

// ModelPrice holds a model's USD-per-million-token rates. Cached and
// Reasoning apply only when the provider attributes tokens to those
// categories; zero rates contribute nothing.
type ModelPrice struct {
	Input     float64 `json:"input"`
	Output    float64 `json:"output"`
	Cached    float64 `json:"cached,omitempty"`
	Reasoning float64 `json:"reasoning,omitempty"`
}

// PriceTable maps model identifiers to their rates. It is immutable after
// construction and injected into the ledger, so tests substitute fixtures.
type PriceTable struct {
	prices map[string]ModelPrice
}

var defaultPrices = map[string]ModelPrice{
	"gpt-4o":            {Input: 2.50, Output: 10.00, Cached: 1.25},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60, Cached: 0.075},
	"o3-mini":           {Input: 1.10, Output: 4.40, Cached: 0.55, Reasoning: 4.40},
	"deepseek-chat":     {Input: 0.27, Output: 1.10, Cached: 0.07},
	"deepseek-reasoner": {Input: 0.55, Output: 2.19, Cached: 0.14, Reasoning: 2.19},
}

// NewPriceTable builds a table from the given rates.
func NewPriceTable(prices map[string]ModelPrice) *PriceTable {
	cloned := make(map[string]ModelPrice, len(prices))
	for model, price := range prices {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		cloned[model] = price
	}
	return &PriceTable{prices: cloned}
}

// LoadPriceTableFromEnv returns the default table unless PRICING_TABLE
// (inline JSON) or PRICING_TABLE_FILE (path to a JSON file) overrides it.
func LoadPriceTableFromEnv() *PriceTable {
	if raw := strings.TrimSpace(os.Getenv("PRICING_TABLE")); raw != "" {
		if table := parsePriceTableJSON(raw); table != nil {
			return table
		}
	}

	if path := strings.TrimSpace(os.Getenv("PRICING_TABLE_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("billing: read pricing table file %s: %v", path, err)
		} else if table := parsePriceTableJSON(string(data)); table != nil {
			return table
		}
	}

	return NewPriceTable(defaultPrices)
}

func parsePriceTableJSON(raw string) *PriceTable {
	var prices map[string]ModelPrice
	if err := json.Unmarshal([]byte(raw), &prices); err != nil {
		log.Printf("billing: parse pricing table override: %v", err)
		return nil
	}
	if len(prices) == 0 {
		return nil
	}
	return NewPriceTable(prices)
}

// Lookup returns the rates for a model. Unknown identifiers price at zero:
// absence of pricing must never block a generation from completing, and
// the correction pass can repair the ledger once a rate is known.
func (t *PriceTable) Lookup(model string) (ModelPrice, bool) {
	if t == nil {
		return ModelPrice{}, false
	}
	price, ok := t.prices[strings.TrimSpace(model)]
	return price, ok
}

// Models lists the identifiers the table knows about.
func (t *PriceTable) Models() []string {
	if t == nil {
		return nil
	}
	models := make([]string, 0, len(t.prices))
	for model := range t.prices {
		models = append(models, model)
	}
	return models
}
