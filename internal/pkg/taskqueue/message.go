package taskqueue

import (
	"time"

	"github.com/google/uuid"
)

// 请求来源。
const (
	SourceAdmin = "admin"
	SourceCLI   = "cli"
)

// CrawlRequest 表示抓取请求流中的一条消息。
//
// Category 为空表示抓取全部类目。
type CrawlRequest struct {
	RequestID   string    `json:"request_id"`
	Category    string    `json:"category"`
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
	Retry       int       `json:"retry"`
}

// NewCrawlRequest 创建一条抓取请求。
func NewCrawlRequest(category, source string) *CrawlRequest {
	if source == "" {
		source = "unknown"
	}
	return &CrawlRequest{
		RequestID:   uuid.NewString(),
		Category:    category,
		Source:      source,
		RequestedAt: time.Now(),
	}
}
