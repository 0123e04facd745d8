package throttle

import (
	"context"
	"testing"
	"time"

	"stockwatch/internal/pkg/testutil"
)

func TestThrottle_Allow(t *testing.T) {
	mr, rdb := testutil.NewTestRedis(t)
	th := New(rdb)
	ctx := context.Background()
	key := Key("push", "1", "p1", "black", "m")

	ok, _, err := th.Allow(ctx, key, time.Hour)
	if err != nil || !ok {
		t.Fatalf("first allow = %v, %v", ok, err)
	}

	ok, remaining, err := th.Allow(ctx, key, time.Hour)
	if err != nil {
		t.Fatalf("second allow: %v", err)
	}
	if ok {
		t.Fatalf("expected second call to be throttled")
	}
	if remaining <= 59*time.Minute || remaining > time.Hour {
		t.Fatalf("unexpected remaining %v", remaining)
	}

	mr.FastForward(time.Hour + time.Second)
	ok, _, err = th.Allow(ctx, key, time.Hour)
	if err != nil || !ok {
		t.Fatalf("after expiry allow = %v, %v", ok, err)
	}
}

func TestThrottle_ReleaseAndZeroWindow(t *testing.T) {
	_, rdb := testutil.NewTestRedis(t)
	th := New(rdb)
	ctx := context.Background()
	key := Key("category", "2", "WOMEN")

	if ok, _, _ := th.Allow(ctx, key, time.Minute); !ok {
		t.Fatalf("first allow should pass")
	}
	if err := th.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _, _ := th.Allow(ctx, key, time.Minute); !ok {
		t.Fatalf("allow after release should pass")
	}

	if ok, _, _ := th.Allow(ctx, key, 0); !ok {
		t.Fatalf("zero window always passes")
	}
}
