package pricing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	MAD Currency = "MAD"

	DefaultCurrency = USD
)

const tokensPerMillion = 1_000_000

var ErrNoExchangeRate = errors.New("no exchange rate for currency pair")

// PricingInfo holds per-million-token prices for a single model.
// Cache prices are optional: nil means the model does not price that category.
type PricingInfo struct {
	InputPricePerMillion      float64
	OutputPricePerMillion     float64
	CacheReadPricePerMillion  *float64
	CacheWritePricePerMillion *float64
	Currency                  Currency
}

// UsageCost is the cost breakdown of a single call in whole currency units.
// CacheReadCost and CacheWriteCost are nil when no tokens of that kind were used.
type UsageCost struct {
	InputCost      float64  `json:"input_cost"`
	OutputCost     float64  `json:"output_cost"`
	CacheReadCost  *float64 `json:"cache_read_cost,omitempty"`
	CacheWriteCost *float64 `json:"cache_write_cost,omitempty"`
	TotalCost      float64  `json:"total_cost"`
	Currency       Currency `json:"currency"`
}

// CalculateCost converts token counts into a cost breakdown. A zero cache
// token count means the category was not applicable for the call.
func CalculateCost(inputTokens, outputTokens int, pricing PricingInfo, cacheReadTokens, cacheWriteTokens int) UsageCost {
	inputCost := float64(inputTokens) / tokensPerMillion * pricing.InputPricePerMillion
	outputCost := float64(outputTokens) / tokensPerMillion * pricing.OutputPricePerMillion

	var cacheReadCost, cacheWriteCost float64
	if cacheReadTokens != 0 && pricing.CacheReadPricePerMillion != nil {
		cacheReadCost = float64(cacheReadTokens) / tokensPerMillion * *pricing.CacheReadPricePerMillion
	}
	if cacheWriteTokens != 0 && pricing.CacheWritePricePerMillion != nil {
		cacheWriteCost = float64(cacheWriteTokens) / tokensPerMillion * *pricing.CacheWritePricePerMillion
	}

	cost := UsageCost{
		InputCost:  inputCost,
		OutputCost: outputCost,
		TotalCost:  inputCost + outputCost + cacheReadCost + cacheWriteCost,
		Currency:   pricing.Currency,
	}
	if cacheReadTokens != 0 {
		cost.CacheReadCost = &cacheReadCost
	}
	if cacheWriteTokens != 0 {
		cost.CacheWriteCost = &cacheWriteCost
	}
	return cost
}

// FormatCost renders cost with up to six decimals and no trailing zeros.
func FormatCost(cost float64, currency Currency) string {
	s := strconv.FormatFloat(cost, 'f', 6, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return CurrencySymbol(currency) + s
}

func CurrencySymbol(currency Currency) string {
	switch currency {
	case USD:
		return "$"
	case EUR:
		return "€"
	case MAD:
		return "د.م."
	default:
		return ""
	}
}

// Static rates; each direction is tabulated on its own.
var exchangeRates = map[Currency]map[Currency]float64{
	USD: {EUR: 0.92, MAD: 10.0},
	EUR: {USD: 1.09, MAD: 10.87},
	MAD: {USD: 0.1, EUR: 0.092},
}

// ConvertCurrency converts amount using the static rate table.
func ConvertCurrency(amount float64, from, to Currency) (float64, error) {
	if from == to {
		return amount, nil
	}
	rate, ok := exchangeRates[from][to]
	if !ok {
		return 0, fmt.Errorf("%w: %s -> %s", ErrNoExchangeRate, from, to)
	}
	return amount * rate, nil
}

var priceReplacer = strings.NewReplacer("$", "", "€", "", "£", "", ",", "")

// ParsePrice parses an API price string such as "0.001" or "$0.001".
// Empty or malformed input yields 0.
func ParsePrice(s string) float64 {
	cleaned := strings.Join(strings.Fields(priceReplacer.Replace(s)), "")
	if cleaned == "" {
		return 0
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}
