package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "usage:photo:"
	// KeyTTL outlives the UTC day the key belongs to, whatever the caller's timezone.
	KeyTTL = 48 * time.Hour
)

// Usage is a user's photo-analysis count for one UTC day. Limit and
// Remaining are nil for unlimited plans.
type Usage struct {
	Date      string `json:"date"`
	Used      int64  `json:"used"`
	Limit     *int   `json:"limit"`
	Remaining *int   `json:"remaining"`
}

// consumeScript reserves one unit unless the limit is already reached. The
// check and the increment happen in one step so concurrent callers can never
// both pass on the last unit.
const consumeScript = `
local limit = tonumber(ARGV[1])
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit >= 0 and used >= limit then
  return {0, used}
end
used = redis.call('INCR', KEYS[1])
if used == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return {1, used}
`

// Throttle enforces per-day usage limits in Redis.
type Throttle struct {
	client *redis.Client
	script *redis.Script
}

func NewThrottle(client *redis.Client) *Throttle {
	return &Throttle{client: client, script: redis.NewScript(consumeScript)}
}

// Key returns the counter key of userID for the UTC day containing now.
func Key(userID uint, now time.Time) string {
	return keyPrefix + strconv.FormatUint(uint64(userID), 10) + ":" + day(now)
}

func day(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Consume reserves one unit for today. It reports false, without counting,
// when the limit is already used up. A nil limit means unlimited.
func (t *Throttle) Consume(ctx context.Context, userID uint, limit *int, now time.Time) (Usage, bool, error) {
	l := -1
	if limit != nil {
		l = *limit
	}
	res, err := t.script.Run(ctx, t.client, []string{Key(userID, now)}, l, int(KeyTTL/time.Second)).Int64Slice()
	if err != nil {
		return Usage{}, false, fmt.Errorf("consume usage: %w", err)
	}
	if len(res) != 2 {
		return Usage{}, false, fmt.Errorf("consume usage: unexpected script reply %v", res)
	}
	allowed := res[0] == 1
	if !allowed {
		log.Infow("[Throttle] daily limit reached", "user_id", userID, "limit", l)
	}
	return newUsage(now, res[1], limit), allowed, nil
}

// Peek returns today's usage without reserving anything.
func (t *Throttle) Peek(ctx context.Context, userID uint, limit *int, now time.Time) (Usage, error) {
	used, err := t.client.Get(ctx, Key(userID, now)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("peek usage: %w", err)
	}
	return newUsage(now, used, limit), nil
}

// Reset clears today's counter, e.g. after the user's plan changed.
func (t *Throttle) Reset(ctx context.Context, userID uint, now time.Time) error {
	if err := t.client.Del(ctx, Key(userID, now)).Err(); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}

func newUsage(now time.Time, used int64, limit *int) Usage {
	u := Usage{Date: day(now), Used: used}
	if limit != nil {
		l := *limit
		remaining := l - int(used)
		if remaining < 0 {
			remaining = 0
		}
		u.Limit = &l
		u.Remaining = &remaining
	}
	return u
}
