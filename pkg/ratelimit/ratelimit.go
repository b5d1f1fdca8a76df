package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps tokens per minute per client, backed by
// github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow reports whether clientID may spend tokens now. A nil Limiter
// allows everything.
func (l *Limiter) Allow(ctx context.Context, clientID string, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.AllowN(ctx, key(clientID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports clientID's current window without consuming tokens. A nil
// Limiter has no status.
func (l *Limiter) Status(ctx context.Context, clientID string) (*extratelimit.Result, error) {
	if l == nil {
		return nil, nil
	}
	return l.store.Status(ctx, key(clientID))
}

func key(clientID string) string {
	return fmt.Sprintf("ratelimit:client:%s", clientID)
}
