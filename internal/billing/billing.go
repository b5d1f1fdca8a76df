package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
)

// StorageKey is the single global key under which the usage sequence lives.
const StorageKey = "imlildev.embedapi.usage.v1"

const (
	oneDay           = 24 * time.Hour
	DefaultRetention = 90 * oneDay
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrInvalidPeriod = errors.New("invalid period")
)

// UsageEvent is one platform-billed inference call. Events are never
// mutated after they are recorded; they are only dropped by age.
type UsageEvent struct {
	Timestamp        time.Time        `json:"timestamp"`
	Model            string           `json:"model"`
	InputTokens      int              `json:"input_tokens"`
	OutputTokens     int              `json:"output_tokens"`
	CacheReadTokens  int              `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int              `json:"cache_write_tokens,omitempty"`
	Cost             float64          `json:"cost"`
	Currency         pricing.Currency `json:"currency"`
	PlanType         pricing.PlanType `json:"plan_type"`
}

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"

	DefaultPeriod = PeriodMonth
)

// ParsePeriod validates a period name. An empty string yields DefaultPeriod.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return DefaultPeriod, nil
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodAll:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q (want day, week, month or all)", ErrInvalidPeriod, s)
	}
}

// windowStart returns the inclusive lower bound of the period. For PeriodAll
// it is the zero time.
func (p Period) windowStart(now time.Time) time.Time {
	switch p {
	case PeriodDay:
		return now.Add(-oneDay)
	case PeriodWeek:
		return now.Add(-7 * oneDay)
	case PeriodMonth:
		return now.Add(-30 * oneDay)
	default:
		return time.Time{}
	}
}

// UsageStats is derived on every query and never persisted.
//
// Currency is the currency of the last folded event. MixedCurrencies is set
// when the window held more than one currency, in which case TotalCost is a
// plain sum across them.
type UsageStats struct {
	TotalCost         float64          `json:"total_cost"`
	TotalInputTokens  int              `json:"total_input_tokens"`
	TotalOutputTokens int              `json:"total_output_tokens"`
	TotalRequests     int              `json:"total_requests"`
	Currency          pricing.Currency `json:"currency"`
	Period            Period           `json:"period"`
	MixedCurrencies   bool             `json:"mixed_currencies,omitempty"`
}

// Storage is the key-value persistence collaborator. Get returns ErrNotFound
// when the key has never been written or was deleted.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
