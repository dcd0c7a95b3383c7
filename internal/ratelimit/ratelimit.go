// Package ratelimit enforces the per-user, per-sequence and per-contact
// send caps of spec §4.2 using Redis Lua scripts for atomic
// check-and-increment, adapted from the teacher's ESP-keyed
// multi-limit script in internal/worker/rate_limiter.go.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Caps are the default ceilings from spec §4.2. Caps is safe to copy.
type Caps struct {
	PerMinute              int
	PerHour                int
	PerDay                 int
	PerContactPerSequence  int // lifetime cap on one contact within one sequence
	PerSequence            int // lifetime cap on total sends within one sequence
}

// DefaultCaps matches spec.md §4.2's stated defaults.
var DefaultCaps = Caps{
	PerMinute:             60,
	PerHour:               500,
	PerDay:                2000,
	PerContactPerSequence: 3,
	PerSequence:           1000,
}

const (
	bounceCooldown = 24 * time.Hour
	errorCooldown  = 15 * time.Minute
)

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed bool
	Reason  string // empty when Allowed
	RetryAt time.Time
}

// Limiter enforces per-user sliding-window counters plus per-sequence and
// per-contact-per-sequence lifetime caps using atomic Redis Lua scripts, following the teacher's pre-compiled-script pattern.
type Limiter struct {
	redis  *redis.Client
	caps   Caps
	window *redis.Script
	lifetime *redis.Script
}

// New builds a Limiter against an existing Redis client, using the
// supplied caps (or DefaultCaps if the zero value is passed).
func New(redisClient *redis.Client, caps Caps) *Limiter {
	if caps == (Caps{}) {
		caps = DefaultCaps
	}
	return &Limiter{
		redis:    redisClient,
		caps:     caps,
		window:   redis.NewScript(slidingWindowScript),
		lifetime: redis.NewScript(lifetimeCapScript),
	}
}

// slidingWindowScript atomically checks minute/hour/day counters for one
// scope key prefix and only increments if all three pass, mirroring the
// teacher's multiLimitLuaScript shape.
const slidingWindowScript = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local dayKey = KEYS[3]
local minuteLimit = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])

local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if minCurrent + 1 > minuteLimit then
    return {0, 1, minCurrent}
end
if hourCurrent + 1 > hourLimit then
    return {0, 2, hourCurrent}
end
if dayCurrent + 1 > dayLimit then
    return {0, 3, dayCurrent}
end

local newMin = redis.call("INCR", minuteKey)
if newMin == 1 then redis.call("EXPIRE", minuteKey, 60) end
local newHour = redis.call("INCR", hourKey)
if newHour == 1 then redis.call("EXPIRE", hourKey, 3600) end
local newDay = redis.call("INCR", dayKey)
if newDay == 1 then redis.call("EXPIRE", dayKey, 86400) end

return {1, 0, newDay}
`

// lifetimeCapScript atomically checks and increments a single counter
// with no TTL, used for the non-windowed per-sequence and
// per-contact-per-sequence lifetime caps.
const lifetimeCapScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end
local newVal = redis.call("INCR", key)
return {1, newVal}
`

// Check is the non-blocking query of spec §4.2: it returns whether a
// send is currently allowed at every applicable scope, without
// mutating any counter.
func (l *Limiter) Check(ctx context.Context, userID string, sequenceID, contactID *string) (Decision, error) {
	if cooldown, retryAt, err := l.activeCooldown(ctx, userID, sequenceID, contactID); err != nil {
		return Decision{}, err
	} else if cooldown != "" {
		return Decision{Allowed: false, Reason: cooldown, RetryAt: retryAt}, nil
	}

	now := time.Now().UTC()
	if d, err := l.peekWindow(ctx, userScopeKey(userID), now); err != nil || !d.Allowed {
		return d, err
	}
	if sequenceID != nil {
		if within, err := l.peekLifetime(ctx, sequenceCapKey(userID, *sequenceID), l.caps.PerSequence); err != nil || !within {
			return Decision{Allowed: within, Reason: "sequence lifetime cap"}, err
		}
	}
	if sequenceID != nil && contactID != nil {
		if within, err := l.peekLifetime(ctx, contactCapKey(userID, *sequenceID, *contactID), l.caps.PerContactPerSequence); err != nil || !within {
			return Decision{Allowed: within, Reason: "per-contact-per-sequence lifetime cap"}, err
		}
	}
	return Decision{Allowed: true}, nil
}

// Increment atomically advances the counters at all applicable scopes.
// Per spec §4.2, Check followed by Increment is not required to be
// linearizable with concurrent callers; slight over-admission is
// acceptable and self-corrects at the next window boundary.
func (l *Limiter) Increment(ctx context.Context, userID string, sequenceID, contactID *string) error {
	now := time.Now().UTC()
	if _, _, err := l.checkAndIncrementWindow(ctx, userScopeKey(userID), now); err != nil {
		return err
	}
	if sequenceID != nil {
		if _, _, err := l.checkAndIncrementLifetime(ctx, sequenceCapKey(userID, *sequenceID), l.caps.PerSequence); err != nil {
			return err
		}
	}
	if sequenceID != nil && contactID != nil {
		if _, _, err := l.checkAndIncrementLifetime(ctx, contactCapKey(userID, *sequenceID, *contactID), l.caps.PerContactPerSequence); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all sliding-window keys for a (user, sequence) pair, per
// spec §4.2's reset operation.
func (l *Limiter) Reset(ctx context.Context, userID, sequenceID string) error {
	keys := []string{
		sequenceCapKey(userID, sequenceID),
	}
	now := time.Now().UTC()
	keys = append(keys, windowKeys(userScopeKey(userID), now)...)
	return l.redis.Del(ctx, keys...).Err()
}

// RecordBounce starts the 24h post-bounce cooldown for a contact.
func (l *Limiter) RecordBounce(ctx context.Context, userID, sequenceID, contactID string) error {
	return l.redis.Set(ctx, cooldownKey(userID, sequenceID, contactID, "bounce"), "1", bounceCooldown).Err()
}

// RecordSendError starts the 15-minute post-error cooldown for a contact.
func (l *Limiter) RecordSendError(ctx context.Context, userID, sequenceID, contactID string) error {
	return l.redis.Set(ctx, cooldownKey(userID, sequenceID, contactID, "error"), "1", errorCooldown).Err()
}

func (l *Limiter) activeCooldown(ctx context.Context, userID string, sequenceID, contactID *string) (string, time.Time, error) {
	if sequenceID == nil || contactID == nil {
		return "", time.Time{}, nil
	}
	for _, reason := range []string{"bounce", "error"} {
		ttl, err := l.redis.TTL(ctx, cooldownKey(userID, *sequenceID, *contactID, reason)).Result()
		if err != nil {
			return "", time.Time{}, err
		}
		if ttl > 0 {
			return reason + " cooldown", time.Now().Add(ttl), nil
		}
	}
	return "", time.Time{}, nil
}

func (l *Limiter) peekWindow(ctx context.Context, scopeKey string, now time.Time) (Decision, error) {
	minC, hourC, dayC, err := l.currentWindowCounts(ctx, scopeKey, now)
	if err != nil {
		return Decision{}, err
	}
	switch {
	case minC+1 > l.caps.PerMinute:
		return Decision{Allowed: false, Reason: "per-minute cap", RetryAt: now.Truncate(time.Minute).Add(time.Minute)}, nil
	case hourC+1 > l.caps.PerHour:
		return Decision{Allowed: false, Reason: "per-hour cap", RetryAt: now.Truncate(time.Hour).Add(time.Hour)}, nil
	case dayC+1 > l.caps.PerDay:
		return Decision{Allowed: false, Reason: "per-day cap", RetryAt: now.Truncate(24 * time.Hour).Add(24 * time.Hour)}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) currentWindowCounts(ctx context.Context, scopeKey string, now time.Time) (minute, hour, day int, err error) {
	keys := windowKeys(scopeKey, now)
	vals, err := l.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	return toInt(vals[0]), toInt(vals[1]), toInt(vals[2]), nil
}

func toInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}

func (l *Limiter) peekLifetime(ctx context.Context, key string, limit int) (bool, error) {
	current, err := l.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return current+1 <= limit, nil
}

func (l *Limiter) checkAndIncrementWindow(ctx context.Context, scopeKey string, now time.Time) (bool, int, error) {
	keys := windowKeys(scopeKey, now)
	res, err := l.window.Run(ctx, l.redis, keys, l.caps.PerMinute, l.caps.PerHour, l.caps.PerDay).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: window script: %w", err)
	}
	allowed := res[0].(int64) == 1
	return allowed, int(res[2].(int64)), nil
}

func (l *Limiter) checkAndIncrementLifetime(ctx context.Context, key string, limit int) (bool, int, error) {
	res, err := l.lifetime.Run(ctx, l.redis, []string{key}, limit).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: lifetime script: %w", err)
	}
	allowed := res[0].(int64) == 1
	return allowed, int(res[1].(int64)), nil
}

func windowKeys(scopeKey string, now time.Time) []string {
	return []string{
		fmt.Sprintf("%s:min:%d", scopeKey, now.Unix()/60),
		fmt.Sprintf("%s:hour:%d", scopeKey, now.Unix()/3600),
		fmt.Sprintf("%s:day:%s", scopeKey, now.Format("2006-01-02")),
	}
}

func userScopeKey(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

func sequenceCapKey(userID, sequenceID string) string {
	return fmt.Sprintf("ratelimit:seqcap:%s:%s", userID, sequenceID)
}

func contactCapKey(userID, sequenceID, contactID string) string {
	return fmt.Sprintf("ratelimit:contactcap:%s:%s:%s", userID, sequenceID, contactID)
}

func cooldownKey(userID, sequenceID, contactID, reason string) string {
	return fmt.Sprintf("ratelimit:cooldown:%s:%s:%s:%s", userID, sequenceID, contactID, reason)
}
