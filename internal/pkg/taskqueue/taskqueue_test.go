package taskqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/pkg/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmitReadAck(t *testing.T) {
	_, rdb := testutil.NewTestRedis(t)
	ctx := context.Background()

	c, err := NewConsumer(ctx, rdb, testLogger(), "", "workers", "w1", WithBlockTime(20*time.Millisecond))
	require.NoError(t, err)
	// 重复创建消费者组不报错
	_, err = NewConsumer(ctx, rdb, testLogger(), "", "workers", "w2", WithBlockTime(20*time.Millisecond))
	require.NoError(t, err)

	p := NewProducer(rdb, testLogger(), "")
	id, err := p.SubmitCrawl(ctx, "MEN", SourceAdmin)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n, err := p.QueueLength(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	msgs, err := c.Read(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].Request.RequestID)
	require.Equal(t, "MEN", msgs[0].Request.Category)
	require.Equal(t, SourceAdmin, msgs[0].Request.Source)

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)

	require.NoError(t, c.Ack(ctx, msgs[0].ID))
	pending, err = c.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	msgs, err = c.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestHandleFailureRetryThenDeadLetter(t *testing.T) {
	_, rdb := testutil.NewTestRedis(t)
	ctx := context.Background()

	c, err := NewConsumer(ctx, rdb, testLogger(), "s", "g", "w", WithBlockTime(20*time.Millisecond), WithMaxRetry(1))
	require.NoError(t, err)
	p := NewProducer(rdb, testLogger(), "s")
	_, err = p.SubmitCrawl(ctx, "KIDS", SourceCLI)
	require.NoError(t, err)

	msgs, err := c.Read(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	action, err := c.HandleFailure(ctx, msgs[0], errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, FailureActionRetry, action)

	msgs, err = c.Read(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 1, msgs[0].Request.Retry)

	action, err = c.HandleFailure(ctx, msgs[0], errors.New("boom again"))
	require.NoError(t, err)
	require.Equal(t, FailureActionDLQ, action)

	dlq, err := rdb.XLen(ctx, "s:dlq").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, dlq)
}

func TestPoisonMessageGoesToDeadLetter(t *testing.T) {
	_, rdb := testutil.NewTestRedis(t)
	ctx := context.Background()

	c, err := NewConsumer(ctx, rdb, testLogger(), "s", "g", "w", WithBlockTime(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "s", Values: map[string]interface{}{"data": "{not json"}}).Err())

	msgs, err := c.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)

	dlq, err := rdb.XLen(ctx, "s:dlq").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, dlq)
	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestConsumeProcessesUntilCancelled(t *testing.T) {
	_, rdb := testutil.NewTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, rdb, testLogger(), "s", "g", "w", WithBlockTime(20*time.Millisecond))
	require.NoError(t, err)
	p := NewProducer(rdb, testLogger(), "s")
	for _, cat := range []string{"WOMEN", "MEN", ""} {
		_, err := p.SubmitCrawl(ctx, cat, SourceAdmin)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(ctx context.Context, req *CrawlRequest) error {
			mu.Lock()
			seen = append(seen, req.Category)
			mu.Unlock()
			if req.Category == "MEN" {
				return errors.New("upstream down")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, []string{"WOMEN", "MEN", ""}, seen)
	dlq, err := rdb.XLen(context.Background(), "s:dlq").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, dlq)
}
