// Package api 提供管理端与单品监控的 HTTP 接口。
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"stockwatch/internal/api/middleware"
	"stockwatch/internal/catalog"
	"stockwatch/internal/config"
	"stockwatch/internal/crawl"
	"stockwatch/internal/dispatch"
	"stockwatch/internal/model"
	"stockwatch/internal/monitor"
	"stockwatch/internal/pkg/notify"
	"stockwatch/internal/pkg/ratelimit"
	"stockwatch/internal/pkg/taskqueue"
	"stockwatch/internal/pkg/throttle"
	"stockwatch/internal/reconcile"
	"stockwatch/internal/schedule"
	"stockwatch/internal/store"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、定时抓取管理器以及服务端监控托管。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	router *gin.Engine

	crawler   CrawlRunner
	requests  CrawlSubmitter
	schedules ScheduleAdmin
	jobs      JobBoard
	users     UserAdmin
	monitors  MonitorService
	stock     StockChecker
	runner    MonitorRunner

	manager *schedule.Manager
	hosted  *monitor.Runner

	mu     sync.Mutex
	runCtx context.Context
}

// CrawlRunner 执行一次抓取。
type CrawlRunner interface {
	Run(ctx context.Context, category string) (crawl.Report, error)
}

// CrawlSubmitter 把抓取请求交给 worker 进程异步执行。
type CrawlSubmitter interface {
	SubmitCrawl(ctx context.Context, category, source string) (string, error)
}

// ScheduleAdmin 是调度记录的管理能力。
type ScheduleAdmin interface {
	ListSchedules(ctx context.Context) ([]model.Schedule, error)
	UpsertSchedule(ctx context.Context, category string, enabled bool, expr string) (*model.Schedule, error)
	DisableSchedule(ctx context.Context, category string) (bool, error)
}

// JobBoard 展示运行中的定时器及最近状态。
type JobBoard interface {
	Jobs() []schedule.JobInfo
	CachedStatus(ctx context.Context, category string) (string, string)
}

// UserAdmin 修改用户推送配置。
type UserAdmin interface {
	UpdateNotify(ctx context.Context, id uint, recipient string, frequencyMinutes int) (*model.User, error)
	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
}

// MonitorService 是单品监控的服务端能力。
type MonitorService interface {
	StartTask(ctx context.Context, task *model.FavoriteMonitorTask) (*model.FavoriteMonitorTask, error)
	StopTask(ctx context.Context, taskID uint) error
	GetTask(ctx context.Context, taskID uint) (*model.FavoriteMonitorTask, error)
	PushFavorite(ctx context.Context, task *model.FavoriteMonitorTask, stock int) (monitor.PushResult, error)
	AppendLog(ctx context.Context, taskID uint, status, message string) error
	RecentLogs(ctx context.Context, taskID uint, limit int) ([]model.TaskExecutionLog, error)
}

// StockChecker 查询变体库存。
type StockChecker interface {
	VariantStock(ctx context.Context, code, color, size string) (int, error)
}

// MonitorRunner 在服务端托管监控循环，可为 nil。
type MonitorRunner interface {
	Watch(ctx context.Context, taskID uint) error
	Unwatch(ctx context.Context, taskID uint) error
	Get(taskID uint) (*monitor.Monitor, bool)
}

// components 是 Server 依赖的业务组件，测试时可替换。
type components struct {
	crawler   CrawlRunner
	requests  CrawlSubmitter
	schedules ScheduleAdmin
	jobs      JobBoard
	users     UserAdmin
	monitors  MonitorService
	stock     StockChecker
	runner    MonitorRunner
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接数据库并执行自动迁移
// 2. 连接 Redis
// 3. 组装抓取、对账、推送、调度与单品监控组件
// 4. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	g := Wire(cfg, db, rdb, logger)
	s := newServer(cfg, logger, db, rdb, components{
		crawler:   g.Crawl,
		requests:  taskqueue.NewProducer(rdb, logger, ""),
		schedules: g.Schedules,
		jobs:      g.Manager,
		users:     g.Users,
		monitors:  g.Monitors,
		stock:     g.Fetcher,
		runner:    g.Runner,
	})
	s.manager = g.Manager
	s.hosted = g.Runner
	s.runCtx = ctx
	return s, nil
}

func newServer(cfg *config.Config, logger *slog.Logger, db *gorm.DB, rdb *redis.Client, c components) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		rdb:       rdb,
		router:    r,
		crawler:   c.crawler,
		requests:  c.requests,
		schedules: c.schedules,
		jobs:      c.jobs,
		users:     c.users,
		monitors:  c.monitors,
		stock:     c.stock,
		runner:    c.runner,
		runCtx:    context.Background(),
	}
	s.registerRoutes()
	return s
}

// Graph 是一次完整组装的结果，API 与命令行共用。
type Graph struct {
	Fetcher   *catalog.Fetcher
	Engine    *reconcile.Engine
	Crawl     *crawl.Service
	Manager   *schedule.Manager
	Schedules *schedule.Service
	Users     *store.UserStore
	Monitors  *monitor.Service
	Runner    *monitor.Runner
}

// Wire 按配置组装业务组件。
func Wire(cfg *config.Config, db *gorm.DB, rdb *redis.Client, logger *slog.Logger) *Graph {
	limiter := ratelimit.New(rdb, logger, "catalog", cfg.Catalog.RateLimit, cfg.Catalog.RateBurst)
	fetcher := catalog.New(cfg.Catalog, limiter, logger)

	catalogStore := store.NewCatalogStore(db)
	scheduleStore := store.NewScheduleStore(db)
	userStore := store.NewUserStore(db)
	favoriteStore := store.NewFavoriteStore(db)

	notifier := &notify.MultiNotifier{
		Email:   notify.NewEmailNotifier(&cfg.Email, logger),
		Webhook: notify.NewWebhookNotifier(cfg.Push.WebhookURL, cfg.Push.WebhookToken, logger),
	}
	th := throttle.New(rdb)

	engine := reconcile.NewEngine(catalogStore, cfg.Reconcile.BatchSize, cfg.Reconcile.PageSize, logger)
	dispatcher := dispatch.New(userStore, notifier, th, cfg.Push.LinkBaseURL, logger)
	crawlSvc := crawl.NewService(fetcher, engine, dispatcher, logger)

	manager := schedule.NewManager(crawlSvc, scheduleStore, rdb, logger, schedule.Options{
		StartupDelay: cfg.Schedule.StartupDelay,
		Workers:      cfg.Schedule.Workers,
		Capacity:     cfg.Schedule.Capacity,
		SkipOverlap:  cfg.Schedule.SkipOverlap,
	})

	monitorSvc := monitor.NewService(favoriteStore, userStore, fetcher, th, notifier,
		cfg.Monitor.DefaultPushFrequency, cfg.Push.LinkBaseURL, logger)

	return &Graph{
		Fetcher:   fetcher,
		Engine:    engine,
		Crawl:     crawlSvc,
		Manager:   manager,
		Schedules: schedule.NewService(scheduleStore, manager, logger),
		Users:     userStore,
		Monitors:  monitorSvc,
		Runner:    monitor.NewRunner(monitorSvc, logger, monitor.WithLogCapacity(cfg.Monitor.LogCapacity)),
	}
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartScheduler 启动定时抓取，并恢复库中处于激活状态的单品监控。
func (s *Server) StartScheduler(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	if s.manager != nil {
		s.manager.Start(ctx)
	}
	if s.hosted == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in monitor restore", slog.Any("panic", r))
			}
		}()
		if _, err := s.hosted.StartAll(ctx); err != nil {
			s.logger.Error("restore monitors failed", slog.String("error", err.Error()))
		}
	}()
}

// Close 停止后台任务并关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.manager != nil {
		if err := s.manager.Stop(); err != nil {
			firstErr = err
		}
	}
	if s.hosted != nil {
		s.hosted.StopAll()
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	}
	return firstErr
}

// background 返回托管监控循环使用的上下文，不随单个请求结束。
func (s *Server) background() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.GET("/stock", s.handleVariantStock)
	authed.POST("/monitors", s.handleStartMonitor)
	authed.GET("/monitors/:id", s.handleGetMonitor)
	authed.POST("/monitors/:id/stop", s.handleStopMonitor)
	authed.POST("/monitors/:id/push", s.handlePushFavorite)
	authed.POST("/monitors/:id/logs", s.handleAppendLog)
	authed.GET("/monitors/:id/logs", s.handleListLogs)

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireRole(model.RoleAdmin))
	admin.POST("/crawl", s.handleRunCrawl)
	admin.GET("/schedules", s.handleListSchedules)
	admin.PUT("/schedules/:category", s.handleUpsertSchedule)
	admin.DELETE("/schedules/:category", s.handleDisableSchedule)
	admin.GET("/jobs", s.handleListJobs)
	admin.PUT("/users/:id/notify", s.handleUpdateNotify)
	admin.PUT("/users/:id/subscription", s.handleUpsertSubscription)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseQueryInt 解析查询参数中的整数值，失败时返回默认值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}

func parseIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// writeError 把领域错误映射为 HTTP 状态码。
func (s *Server) writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, monitor.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, monitor.ErrInvalidTask),
		errors.Is(err, monitor.ErrInvalidInterval),
		errors.Is(err, monitor.ErrInvalidWindow),
		errors.Is(err, schedule.ErrInvalidExpression),
		errors.Is(err, schedule.ErrUnknownCategory),
		errors.Is(err, catalog.ErrUnknownCategory):
		status = http.StatusBadRequest
	case errors.Is(err, catalog.ErrVariantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, monitor.ErrNoRecipient):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
