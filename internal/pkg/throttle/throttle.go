package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stockwatch:throttle:"

// Throttle 基于 SETNX + TTL 的最小间隔控制。
type Throttle struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Throttle {
	return &Throttle{rdb: rdb}
}

// Key 拼接限流键，各段以冒号分隔。
func Key(parts ...string) string {
	return keyPrefix + strings.Join(parts, ":")
}

// Allow 尝试占用窗口。
//
// 返回 (true, 0) 表示放行并开始新的窗口；(false, remaining) 表示仍在窗口内。
// window <= 0 时总是放行。
func (t *Throttle) Allow(ctx context.Context, key string, window time.Duration) (bool, time.Duration, error) {
	if t == nil || t.rdb == nil || window <= 0 {
		return true, 0, nil
	}
	ok, err := t.rdb.SetNX(ctx, key, time.Now().Unix(), window).Result()
	if err != nil {
		return false, 0, fmt.Errorf("throttle setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	remaining, err := t.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("throttle pttl: %w", err)
	}
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining, nil
}

// Release 提前结束窗口，推送失败时调用以便下一次立即重试。
func (t *Throttle) Release(ctx context.Context, key string) error {
	if t == nil || t.rdb == nil {
		return nil
	}
	if err := t.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("throttle del: %w", err)
	}
	return nil
}
