package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stockwatch/internal/api/middleware"
	"stockwatch/internal/model"
	"stockwatch/internal/monitor"
)

// defaultIntervalSeconds 请求未指定轮询间隔时使用。
const defaultIntervalSeconds = 60

type startMonitorRequest struct {
	ProductID       string   `json:"product_id" binding:"required"`
	ProductCode     string   `json:"product_code"`
	ProductName     string   `json:"product_name"`
	Color           string   `json:"color" binding:"required"`
	Size            string   `json:"size" binding:"required"`
	TargetPrice     *float64 `json:"target_price"`
	IntervalSeconds int      `json:"interval_seconds"`
	WindowStart     string   `json:"window_start"`
	WindowEnd       string   `json:"window_end"`
}

type monitorResponse struct {
	Task  *model.FavoriteMonitorTask `json:"task"`
	State *monitor.Snapshot          `json:"state,omitempty"`
}

// handleStartMonitor 创建或重新激活单品监控，并在服务端启动轮询。
//
// POST /monitors
func (s *Server) handleStartMonitor(c *gin.Context) {
	id, _ := middleware.GetIdentity(c)
	var req startMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IntervalSeconds == 0 {
		req.IntervalSeconds = defaultIntervalSeconds
	}

	task, err := s.monitors.StartTask(c.Request.Context(), &model.FavoriteMonitorTask{
		UserID:          id.UserID,
		ProductID:       strings.TrimSpace(req.ProductID),
		ProductCode:     strings.TrimSpace(req.ProductCode),
		ProductName:     req.ProductName,
		Color:           strings.TrimSpace(req.Color),
		Size:            strings.TrimSpace(req.Size),
		TargetPrice:     req.TargetPrice,
		IntervalSeconds: req.IntervalSeconds,
		WindowStart:     strings.TrimSpace(req.WindowStart),
		WindowEnd:       strings.TrimSpace(req.WindowEnd),
	})
	if err != nil {
		s.writeError(c, "start monitor", err)
		return
	}

	if s.runner != nil {
		if err := s.runner.Watch(s.background(), task.ID); err != nil {
			s.logger.Warn("start hosted monitor failed",
				slog.Uint64("task_id", uint64(task.ID)),
				slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusCreated, monitorResponse{Task: task})
}

// loadOwnedTask 读取任务并校验归属，管理员可访问全部任务。
func (s *Server) loadOwnedTask(c *gin.Context) (*model.FavoriteMonitorTask, bool) {
	taskID, ok := parseIDParam(c)
	if !ok {
		return nil, false
	}
	task, err := s.monitors.GetTask(c.Request.Context(), taskID)
	if err != nil {
		s.writeError(c, "get monitor", err)
		return nil, false
	}
	id, _ := middleware.GetIdentity(c)
	if task.UserID != id.UserID && !id.IsAdmin() {
		c.JSON(http.StatusNotFound, gin.H{"error": monitor.ErrTaskNotFound.Error()})
		return nil, false
	}
	return task, true
}

// handleGetMonitor 返回任务及其服务端运行状态。
//
// GET /monitors/:id
func (s *Server) handleGetMonitor(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	resp := monitorResponse{Task: task}
	if s.runner != nil {
		if m, ok := s.runner.Get(task.ID); ok {
			snap := m.State()
			resp.State = &snap
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleStopMonitor 停止监控，先落库为未激活再停止轮询。
//
// POST /monitors/:id/stop
func (s *Server) handleStopMonitor(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	var err error
	if s.runner != nil {
		err = s.runner.Unwatch(c.Request.Context(), task.ID)
	} else {
		err = s.monitors.StopTask(c.Request.Context(), task.ID)
	}
	if err != nil {
		s.writeError(c, "stop monitor", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": task.ID, "is_active": false})
}

type pushFavoriteRequest struct {
	Stock int `json:"stock"`
}

// handlePushFavorite 为客户端监控发送一次到货提醒，服务端负责限频。
//
// POST /monitors/:id/push
func (s *Server) handlePushFavorite(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	var req pushFavoriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Stock <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stock must be positive"})
		return
	}

	res, err := s.monitors.PushFavorite(c.Request.Context(), task, req.Stock)
	if err != nil {
		s.writeError(c, "push favorite", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sent":              res.Sent,
		"rate_limited":      res.RateLimited,
		"remaining_seconds": int64(res.Remaining.Seconds()),
		"frequency_seconds": int64(res.Frequency.Seconds()),
	})
}

type appendLogRequest struct {
	Status  string `json:"status" binding:"required"`
	Message string `json:"message"`
}

// handleAppendLog 追加一条客户端执行日志。
//
// POST /monitors/:id/logs
func (s *Server) handleAppendLog(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	var req appendLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	if err := s.monitors.AppendLog(c.Request.Context(), task.ID, status, req.Message); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID, "status": status})
}

// handleListLogs 返回最近的执行日志，最新的在前。
//
// GET /monitors/:id/logs?limit=20
func (s *Server) handleListLogs(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	logs, err := s.monitors.RecentLogs(c.Request.Context(), task.ID, parseQueryInt(c, "limit", 20))
	if err != nil {
		s.writeError(c, "list logs", err)
		return
	}
	if logs == nil {
		logs = []model.TaskExecutionLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// handleVariantStock 查询某个颜色尺码的当前库存。
//
// GET /stock?code=465185&color=09&size=M
func (s *Server) handleVariantStock(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	color := strings.TrimSpace(c.Query("color"))
	size := strings.TrimSpace(c.Query("size"))
	if code == "" || color == "" || size == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code, color and size are required"})
		return
	}
	qty, err := s.stock.VariantStock(c.Request.Context(), code, color, size)
	if err != nil {
		s.writeError(c, "variant stock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "color": color, "size": size, "stock": qty})
}
