package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stockwatch/internal/crawl"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/taskqueue"
	"stockwatch/internal/schedule"
)

type runCrawlRequest struct {
	Category string `json:"category"`
	Async    bool   `json:"async"` // true 时投递给 worker 进程，立即返回
}

// crawlResponse 是抓取结果的摘要，不返回完整商品列表。
type crawlResponse struct {
	RunID        string   `json:"run_id"`
	Category     string   `json:"category"`
	TotalFound   int      `json:"total_found"`
	NewCount     int      `json:"new_count"`
	SoldOutCount int      `json:"sold_out_count"`
	NewCodes     []string `json:"new_codes"`
	DurationMS   int64    `json:"duration_ms"`
	Error        string   `json:"error,omitempty"`
}

func toCrawlResponse(rep crawl.Report) crawlResponse {
	seen := make(map[string]struct{})
	codes := []string{}
	for _, it := range rep.NewItems {
		if _, ok := seen[it.Code]; ok {
			continue
		}
		seen[it.Code] = struct{}{}
		codes = append(codes, it.Code)
	}
	return crawlResponse{
		RunID:        rep.RunID,
		Category:     rep.Category,
		TotalFound:   rep.TotalFound,
		NewCount:     len(rep.NewItems),
		SoldOutCount: len(rep.SoldOutItems),
		NewCodes:     codes,
		DurationMS:   rep.Duration.Milliseconds(),
	}
}

// handleRunCrawl 手动触发一次抓取，category 为空时抓取全部类目。
//
// 默认在请求内同步执行；async=true 时写入抓取请求流，由 stockctl worker 执行。
//
// POST /admin/crawl
func (s *Server) handleRunCrawl(c *gin.Context) {
	var req runCrawlRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Category == "" {
		req.Category = c.Query("category")
	}
	category := strings.TrimSpace(req.Category)
	if category != "" {
		cat, ok := model.ParseCategory(category)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
			return
		}
		category = string(cat)
	}

	if req.Async {
		if s.requests == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "crawl request queue not configured"})
			return
		}
		id, err := s.requests.SubmitCrawl(c.Request.Context(), category, taskqueue.SourceAdmin)
		if err != nil {
			s.writeError(c, "submit crawl", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"request_id": id, "category": category})
		return
	}

	rep, err := s.crawler.Run(c.Request.Context(), category)
	resp := toCrawlResponse(rep)
	if err != nil {
		s.logger.Error("manual crawl failed", slog.String("category", category), slog.String("error", err.Error()))
		resp.Error = err.Error()
		c.JSON(http.StatusBadGateway, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleListSchedules 返回全部类目调度记录。
//
// GET /admin/schedules
func (s *Server) handleListSchedules(c *gin.Context) {
	rows, err := s.schedules.ListSchedules(c.Request.Context())
	if err != nil {
		s.writeError(c, "list schedules", err)
		return
	}
	if rows == nil {
		rows = []model.Schedule{}
	}
	c.JSON(http.StatusOK, rows)
}

type upsertScheduleRequest struct {
	Enabled         *bool  `json:"enabled"`
	Cron            string `json:"cron"`
	IntervalMinutes int    `json:"interval_minutes"`
}

// handleUpsertSchedule 写入类目调度。cron 优先，否则由 interval_minutes 换算。
//
// PUT /admin/schedules/:category
func (s *Server) handleUpsertSchedule(c *gin.Context) {
	var req upsertScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	expr := strings.TrimSpace(req.Cron)
	if expr == "" && req.IntervalMinutes > 0 {
		expr = schedule.IntervalToCron(req.IntervalMinutes)
	}

	row, err := s.schedules.UpsertSchedule(c.Request.Context(), c.Param("category"), enabled, expr)
	if err != nil {
		s.writeError(c, "upsert schedule", err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// handleDisableSchedule 禁用类目调度。
//
// DELETE /admin/schedules/:category
func (s *Server) handleDisableSchedule(c *gin.Context) {
	removed, err := s.schedules.DisableSchedule(c.Request.Context(), c.Param("category"))
	if err != nil {
		s.writeError(c, "disable schedule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": true, "timer_removed": removed})
}

type jobResponse struct {
	Category    string    `json:"category"`
	Expression  string    `json:"expression"`
	Next        time.Time `json:"next"`
	LastStatus  string    `json:"last_status,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
}

// handleListJobs 返回运行中的定时器及最近一次触发状态。
//
// GET /admin/jobs
func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.jobs.Jobs()
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		status, message := s.jobs.CachedStatus(c.Request.Context(), j.Category)
		out = append(out, jobResponse{
			Category:    j.Category,
			Expression:  j.Expression,
			Next:        j.Next,
			LastStatus:  status,
			LastMessage: message,
		})
	}
	c.JSON(http.StatusOK, out)
}

type updateNotifyRequest struct {
	PushRecipient        string `json:"push_recipient"`
	PushFrequencyMinutes int    `json:"push_frequency_minutes"`
}

// handleUpdateNotify 修改用户推送接收方与推送间隔。
//
// PUT /admin/users/:id/notify
func (s *Server) handleUpdateNotify(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req updateNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PushFrequencyMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push_frequency_minutes"})
		return
	}

	user, err := s.users.UpdateNotify(c.Request.Context(), id, strings.TrimSpace(req.PushRecipient), req.PushFrequencyMinutes)
	if err != nil {
		s.writeError(c, "update notify", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                     user.ID,
		"push_recipient":         user.PushRecipient,
		"push_frequency_minutes": user.PushFrequencyMinutes,
	})
}

type subscriptionRequest struct {
	Enabled          bool     `json:"enabled"`
	Channel          string   `json:"channel"`
	FrequencySeconds int      `json:"frequency_seconds"`
	Genders          []string `json:"genders"`
}

// handleUpsertSubscription 写入用户的类目上新订阅。
//
// PUT /admin/users/:id/subscription
func (s *Server) handleUpsertSubscription(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.FrequencySeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid frequency_seconds"})
		return
	}

	genders := make([]string, 0, len(req.Genders))
	for _, g := range req.Genders {
		cat, ok := model.ParseCategory(g)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category: " + g})
			return
		}
		genders = append(genders, string(cat))
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = "wechat"
	}

	sub := &model.PushSubscription{
		UserID:           id,
		IsEnabled:        req.Enabled,
		Channel:          channel,
		FrequencySeconds: req.FrequencySeconds,
		Genders:          genders,
	}
	if err := s.users.UpsertSubscription(c.Request.Context(), sub); err != nil {
		s.writeError(c, "upsert subscription", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":           id,
		"enabled":           sub.IsEnabled,
		"channel":           sub.Channel,
		"frequency_seconds": sub.FrequencySeconds,
		"genders":           genders,
	})
}
