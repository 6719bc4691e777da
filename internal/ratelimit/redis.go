// internal/ratelimit/redis.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the caller's counter, starts the window on the
// first hit and returns the new count with the milliseconds left in the window.
// Running it as one script keeps INCR and PEXPIRE atomic across replicas.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Redis is a fixed-window limiter shared by every replica of the service.
// Counters live under KeyPrefix+identity and expire with their window, so no sweep is needed.
type Redis struct {
	client    redis.UniversalClient
	clock     Clock
	limit     int
	window    time.Duration
	keyPrefix string
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client redis.UniversalClient, clock Clock, limit int, window time.Duration) *Redis {
	if clock == nil {
		clock = RealClock{}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{
		client:    client,
		clock:     clock,
		limit:     limit,
		window:    window,
		keyPrefix: "calltoken:ratelimit:",
	}
}

// Check charges one request. Rejected requests still increment the counter,
// which cannot extend the window because the expiry is only set on the first hit.
func (r *Redis) Check(ctx context.Context, identity string) (Decision, error) {
	now := r.clock.Now()
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.keyPrefix + identity}, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	count := int(res[0])
	resetIn := time.Duration(res[1]) * time.Millisecond
	d := Decision{
		Allowed: count <= r.limit,
		Limit:   r.limit,
		ResetAt: now.Add(resetIn),
		ResetIn: resetIn,
	}
	if d.Allowed {
		d.Remaining = r.limit - count
	}
	return d, nil
}
