package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
)

// Ledger keeps the usage history for the running process.
//
// Reads are served from an in-memory snapshot and never touch storage.
// Every mutation takes a single writer lock, re-reads the persisted sequence,
// rewrites it whole and refreshes the snapshot. Another process sharing the
// store (the usage CLI clearing history, a second gateway) is therefore seen
// by the next write instead of being overwritten with stale events.
type Ledger struct {
	storage   Storage
	key       string
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	events  []UsageEvent
}

type Option func(*Ledger)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

func WithStorageKey(key string) Option {
	return func(l *Ledger) { l.key = key }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger loads the persisted usage sequence from storage. A missing key
// is an empty history.
func NewLedger(ctx context.Context, storage Storage, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		storage:   storage,
		key:       StorageKey,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	events, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	l.events = events
	l.logger.Debug("usage history loaded", zap.Int("events", len(events)), zap.String("key", l.key))
	return l, nil
}

// RecordUsage stamps the event with the current time, drops expired events,
// appends it and writes the full sequence back. Storage errors are returned
// and leave the in-memory history unchanged.
func (l *Ledger) RecordUsage(ctx context.Context, event UsageEvent) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	stored, err := l.load(ctx)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	now := l.now()
	events := retain(stored, now.Add(-l.retention), 1)
	if n := len(events); n > 0 && now.Before(events[n-1].Timestamp) {
		now = events[n-1].Timestamp
	}
	event.Timestamp = now
	events = append(events, event)

	if err := l.persist(ctx, events); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	l.swap(events)
	return nil
}

// UsageStats aggregates the events inside the period window.
func (l *Ledger) UsageStats(period Period) UsageStats {
	stats := UsageStats{
		Currency: pricing.DefaultCurrency,
		Period:   period,
	}
	for i, event := range l.UsageEvents(period) {
		if i > 0 && event.Currency != stats.Currency {
			stats.MixedCurrencies = true
		}
		stats.TotalCost += event.Cost
		stats.TotalInputTokens += event.InputTokens
		stats.TotalOutputTokens += event.OutputTokens
		stats.TotalRequests++
		stats.Currency = event.Currency
	}
	return stats
}

// UsageEvents returns the events inside the period window, oldest first.
func (l *Ledger) UsageEvents(period Period) []UsageEvent {
	now := l.now()
	start := period.windowStart(now)

	events := l.pruned(now)
	out := events[:0]
	for _, event := range events {
		if !event.Timestamp.Before(start) {
			out = append(out, event)
		}
	}
	return out
}

func (l *Ledger) TotalCost(period Period) float64 {
	return l.UsageStats(period).TotalCost
}

// ClearAllUsage deletes the persisted history. It cannot be undone.
func (l *Ledger) ClearAllUsage(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.storage.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("clear usage: %w", err)
	}
	l.swap(nil)
	return nil
}

// Prune writes back the history without expired events and reports how
// many were dropped. Reads and writes already skip expired events; this
// only shrinks what storage holds.
func (l *Ledger) Prune(ctx context.Context) (int, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	stored, err := l.load(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	events := retain(stored, l.now().Add(-l.retention), 0)

	dropped := len(stored) - len(events)
	if dropped == 0 {
		l.swap(events)
		return 0, nil
	}
	if err := l.persist(ctx, events); err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	l.swap(events)
	return dropped, nil
}

// pruned returns a fresh copy of the history without events older than
// the retention window.
func (l *Ledger) pruned(now time.Time) []UsageEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return retain(l.events, now.Add(-l.retention), 0)
}

// retain copies the events at or after cutoff with capacity for extra
// appended events.
func retain(events []UsageEvent, cutoff time.Time, extra int) []UsageEvent {
	out := make([]UsageEvent, 0, len(events)+extra)
	for _, event := range events {
		if !event.Timestamp.Before(cutoff) {
			out = append(out, event)
		}
	}
	return out
}

// load reads the persisted sequence. A missing key is an empty history.
func (l *Ledger) load(ctx context.Context) ([]UsageEvent, error) {
	data, err := l.storage.Get(ctx, l.key)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load usage history: %w", err)
	}

	var events []UsageEvent
	if len(data) > 0 {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode usage history: %w", err)
		}
	}
	return events, nil
}

func (l *Ledger) persist(ctx context.Context, events []UsageEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode usage history: %w", err)
	}
	return l.storage.Put(ctx, l.key, data)
}

func (l *Ledger) swap(events []UsageEvent) {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
}
