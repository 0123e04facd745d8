package taskqueue

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer 由 API 进程使用，发布手动抓取请求。
type Producer struct {
	queue  *TaskQueue
	logger *slog.Logger
}

// NewProducer 创建生产者，streamName 为空时使用 DefaultStream。
func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName string) *Producer {
	return &Producer{
		queue:  NewTaskQueue(rdb, logger, streamName),
		logger: logger,
	}
}

// SubmitCrawl 提交一次抓取请求，返回请求 ID。
func (p *Producer) SubmitCrawl(ctx context.Context, category, source string) (string, error) {
	req := NewCrawlRequest(category, source)
	if _, err := p.queue.Publish(ctx, req); err != nil {
		p.logger.Error("submit crawl request failed",
			slog.String("category", category),
			slog.String("source", req.Source),
			slog.String("error", err.Error()))
		return "", err
	}

	p.logger.Info("crawl request submitted",
		slog.String("request_id", req.RequestID),
		slog.String("category", category),
		slog.String("source", req.Source))
	return req.RequestID, nil
}

// QueueLength 获取当前流长度。
func (p *Producer) QueueLength(ctx context.Context) (int64, error) {
	return p.queue.Length(ctx)
}
