package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"stockwatch/internal/pkg/metrics"
)

// Consumer 以消费者组方式读取抓取请求。
type Consumer struct {
	queue            *TaskQueue
	logger           *slog.Logger
	groupName        string
	consumerID       string
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration
	pendingStart     string
	deadLetterStream string
	maxRetry         int
}

// FailureAction indicates how a failed message is handled.
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// Handler 处理一条抓取请求。
type Handler func(ctx context.Context, req *CrawlRequest) error

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置阻塞等待时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTime = d
	}
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithPendingIdle 设置 Pending 消息被其他消费者认领前的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pendingIdle = d
	}
}

// WithDeadLetterStream 设置死信 Stream 名称。
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetterStream = stream
	}
}

// WithMaxRetry 设置最大重投次数，默认 0：抓取失败不重试，直接进死信。
func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetry = maxRetry
	}
}

// NewConsumer 创建消费者，并在需要时创建消费者组。
func NewConsumer(ctx context.Context, rdb *redis.Client, logger *slog.Logger, streamName, groupName, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	q := NewTaskQueue(rdb, logger, streamName)
	c := &Consumer{
		queue:            q,
		logger:           logger,
		groupName:        groupName,
		consumerID:       consumerID,
		blockTime:        time.Second,
		batchSize:        1,
		pendingIdle:      10 * time.Minute,
		pendingStart:     "0-0",
		deadLetterStream: q.streamName + ":dlq",
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := q.CreateConsumerGroup(ctx, groupName); err != nil {
		return nil, err
	}
	c.logger.Info("consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))
	return c, nil
}

// GroupName 返回消费者组名称。
func (c *Consumer) GroupName() string {
	return c.groupName
}

// Message 是带流消息 ID 的抓取请求。
type Message struct {
	ID      string
	Request *CrawlRequest
}

// Read 先认领超时未确认的消息，没有时再阻塞读取新消息。
func (c *Consumer) Read(ctx context.Context) ([]*Message, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*Message, error) {
	messages, nextStart, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.streamName,
		Group:    c.groupName,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if nextStart != "" {
		c.pendingStart = nextStart
	}
	if len(messages) > 0 {
		metrics.CrawlRequestsTotal.WithLabelValues("claimed").Add(float64(len(messages)))
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Message, error) {
	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.queue.streamName, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return c.parseMessages(ctx, messages), nil
}

// parseMessages 解析消息，格式错误的直接进死信并确认。
func (c *Consumer) parseMessages(ctx context.Context, messages []redis.XMessage) []*Message {
	if len(messages) == 0 {
		return nil
	}
	parsed := make([]*Message, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.logger.Warn("invalid message format", slog.String("msg_id", msg.ID))
			c.handlePoisonMessage(ctx, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), "invalid message format")
			continue
		}
		req, err := parseRequest(data)
		if err != nil {
			c.logger.Error("parse message failed", slog.String("msg_id", msg.ID), slog.String("error", err.Error()))
			c.handlePoisonMessage(ctx, msg.ID, data, err.Error())
			continue
		}
		parsed = append(parsed, &Message{ID: msg.ID, Request: req})
	}
	return parsed
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	acked, err := c.queue.rdb.XAck(ctx, c.queue.streamName, c.groupName, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)", slog.String("msg_id", msgID))
	}
	return nil
}

// HandleFailure 未超过重投次数时重新发布，否则写入死信。两种情况都会确认原消息。
func (c *Consumer) HandleFailure(ctx context.Context, msg *Message, cause error) (FailureAction, error) {
	if msg == nil || msg.Request == nil {
		return FailureActionNone, fmt.Errorf("message is nil")
	}

	msg.Request.Retry++
	if msg.Request.Retry > c.maxRetry {
		metrics.CrawlRequestsTotal.WithLabelValues("dead").Inc()
		if err := c.publishDeadLetter(ctx, msg.ID, msg.Request, cause); err != nil {
			return FailureActionDLQ, err
		}
		return FailureActionDLQ, c.Ack(ctx, msg.ID)
	}

	metrics.CrawlRequestsTotal.WithLabelValues("retried").Inc()
	if _, err := c.queue.Publish(ctx, msg.Request); err != nil {
		return FailureActionRetry, err
	}
	return FailureActionRetry, c.Ack(ctx, msg.ID)
}

// Consume 循环读取并处理请求，直到 ctx 取消。
//
// 请求逐条串行执行；处理成功确认，失败交给 HandleFailure。
func (c *Consumer) Consume(ctx context.Context, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("read crawl requests failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.blockTime):
			}
			continue
		}
		for _, msg := range msgs {
			c.process(ctx, msg, handle)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg *Message, handle Handler) {
	logger := c.logger.With(
		slog.String("msg_id", msg.ID),
		slog.String("request_id", msg.Request.RequestID),
		slog.String("category", msg.Request.Category))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return handle(ctx, msg.Request)
	}()
	if err == nil {
		metrics.CrawlRequestsTotal.WithLabelValues("done").Inc()
		if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
			logger.Error("ack crawl request failed", slog.String("error", ackErr.Error()))
		}
		return
	}

	action, ferr := c.HandleFailure(ctx, msg, err)
	logger.Warn("crawl request failed",
		slog.String("error", err.Error()),
		slog.String("action", string(action)))
	if ferr != nil {
		logger.Error("handle crawl request failure failed", slog.String("error", ferr.Error()))
	}
}

func (c *Consumer) handlePoisonMessage(ctx context.Context, msgID, payload, reason string) {
	if err := c.publishDeadLetter(ctx, msgID, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.CrawlRequestsTotal.WithLabelValues("dead").Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, msgID string, payload interface{}, cause error) error {
	raw := payload
	if req, ok := payload.(*CrawlRequest); ok {
		if data, err := json.Marshal(req); err == nil {
			raw = string(data)
		}
	}
	_, err := c.queue.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	return err
}

// Pending 获取已读取未确认的消息数量。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.queue.rdb.XPending(ctx, c.queue.streamName, c.groupName).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
