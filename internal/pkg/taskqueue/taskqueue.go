// Package taskqueue 基于 Redis Streams 在进程间传递抓取请求。
//
// API 进程发布请求，worker 进程（stockctl worker）以消费者组方式读取并执行。
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 抓取请求流的默认名称。
const DefaultStream = "stockwatch:crawl:requests"

// TaskQueue 封装 Redis Streams 的发布与消费者组管理。
type TaskQueue struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string
}

func NewTaskQueue(rdb *redis.Client, logger *slog.Logger, streamName string) *TaskQueue {
	if streamName == "" {
		streamName = DefaultStream
	}
	return &TaskQueue{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
	}
}

// Publish 把请求以 JSON 形式追加到流中，返回消息 ID。
func (q *TaskQueue) Publish(ctx context.Context, req *CrawlRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return q.publishRaw(ctx, q.streamName, map[string]interface{}{
		"data": string(data),
	})
}

func (q *TaskQueue) publishRaw(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	msgID, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}

	q.logger.Debug("stream message published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))
	return msgID, nil
}

// CreateConsumerGroup 创建消费者组，已存在时忽略。
func (q *TaskQueue) CreateConsumerGroup(ctx context.Context, groupName string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.streamName, groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.logger.Info("consumer group ready",
		slog.String("stream", q.streamName),
		slog.String("group", groupName))
	return nil
}

// Length 返回流中的消息数量。
func (q *TaskQueue) Length(ctx context.Context) (int64, error) {
	length, err := q.rdb.XLen(ctx, q.streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return length, nil
}

func parseRequest(data string) (*CrawlRequest, error) {
	var req CrawlRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return &req, nil
}
