package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"stockwatch/internal/pkg/metrics"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const keyPrefix = "stockwatch:ratelimit:"

// 令牌桶状态存在一个 hash 里：tokens 为剩余令牌，ts 为上次补充的毫秒时间戳。
// 返回 {是否放行, 需要等待的毫秒数}。
const bucketScript = `
local rate, burst, now = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now

if now > last then
  tokens = math.min(burst, tokens + (now - last) * rate / 1000.0)
end

local wait = 0
local ok = 0
if tokens >= 1 then
  tokens = tokens - 1
  ok = 1
else
  wait = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst * 2000.0 / rate))
return {ok, wait}
`

// Limiter 是所有 worker 共享的 Redis 令牌桶，进程间也共享同一个桶。
type Limiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// New 创建限流器；rate 或 burst 不大于 0 时 Wait 直接放行。
func New(rdb *redis.Client, logger *slog.Logger, name string, rate, burst float64) *Limiter {
	if name == "" {
		name = "upstream"
	}
	if burst <= 0 && rate > 0 {
		burst = rate
	}
	return &Limiter{
		rdb:    rdb,
		key:    keyPrefix + name,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(bucketScript),
	}
}

// Enabled 是否真正限流。
func (l *Limiter) Enabled() bool {
	return l != nil && l.rdb != nil && l.rate > 0 && l.burst > 0
}

// Wait 阻塞直到拿到一个令牌或 ctx 结束。
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}

	start := time.Now()
	for {
		ok, waitMs, err := l.take(ctx)
		if err != nil {
			return err
		}
		if ok {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			if l.logger != nil {
				l.logger.Debug("rate limit wait aborted", slog.String("key", l.key))
			}
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (l *Limiter) take(ctx context.Context) (bool, int64, error) {
	res, err := l.script.Run(ctx, l.rdb, []string{l.key}, l.rate, l.burst, time.Now().UnixMilli()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result %v", res)
	}
	return asInt64(values[0]) == 1, asInt64(values[1]), nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
