package billing

import (
	"github.com/dustin/go-humanize"

	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
)

// FormattedStats is UsageStats rendered for display.
type FormattedStats struct {
	Cost     string `json:"cost"`
	Tokens   string `json:"tokens"`
	Requests string `json:"requests"`
}

func FormatStats(stats UsageStats) FormattedStats {
	return FormattedStats{
		Cost:     pricing.FormatCost(stats.TotalCost, stats.Currency),
		Tokens:   humanize.Comma(int64(stats.TotalInputTokens + stats.TotalOutputTokens)),
		Requests: humanize.Comma(int64(stats.TotalRequests)),
	}
}
