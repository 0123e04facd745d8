// Package schedule 维护每个类目一个的定时抓取任务。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"stockwatch/internal/crawl"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
	"stockwatch/internal/pkg/queue"
)

var (
	// ErrInvalidExpression 表达式无法解析。
	ErrInvalidExpression = errors.New("invalid recurrence expression")
	// ErrUnknownCategory 类目无法识别。
	ErrUnknownCategory = errors.New("unknown category")
	// ErrNoJob 类目没有已安装的定时任务。
	ErrNoJob = errors.New("no job for category")
)

const (
	statusKeyPrefix  = "stockwatch:crawl_status:"
	messageKeyPrefix = "stockwatch:crawl_message:"
	statusTTL        = 24 * time.Hour
)

// CrawlRunner 执行一次类目抓取。
type CrawlRunner interface {
	Run(ctx context.Context, category string) (crawl.Report, error)
}

// Store 是 Manager 需要的调度记录读写。
type Store interface {
	ListEnabled(ctx context.Context) ([]model.Schedule, error)
	SetNextRun(ctx context.Context, category string, next time.Time) error
	RecordRun(ctx context.Context, category string, ranAt, next time.Time, status, message string) error
}

// Options 控制 Manager 的运行参数。
type Options struct {
	StartupDelay    time.Duration
	Workers         int
	Capacity        int
	SkipOverlap     bool
	ShutdownTimeout time.Duration
}

// JobInfo 是已安装任务的快照。
type JobInfo struct {
	Category   string    `json:"category"`
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
}

type job struct {
	id    cron.EntryID
	expr  string
	sched cron.Schedule
}

// Manager 是类目 → 定时器 的注册表。
//
// 每个类目至多一个定时器，更新总是先移除旧定时器再安装新的。
// 触发只负责把抓取投递到 worker 池，抓取本身在池中执行。
type Manager struct {
	cron   *cron.Cron
	runner CrawlRunner
	store  Store
	rdb    *redis.Client
	queue  *queue.Queue
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*job

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	started   bool
}

// NewManager 创建 Manager，rdb 可为 nil（不缓存最近状态）。
func NewManager(runner CrawlRunner, store Store, rdb *redis.Client, logger *slog.Logger, opts Options) *Manager {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Manager{
		cron:   cron.New(cron.WithParser(exprParser)),
		runner: runner,
		store:  store,
		rdb:    rdb,
		queue:  queue.New(logger, opts.Workers, opts.Capacity, opts.SkipOverlap),
		logger: logger,
		opts:   opts,
		now:    time.Now,
		jobs:   make(map[string]*job),
	}
}

// AddOrUpdateJob 为类目安装定时器，已有的会被替换。
//
// 表达式或类目非法时返回错误且不产生任何副作用。
func (m *Manager) AddOrUpdateJob(category, expr string) error {
	cat, ok := model.ParseCategory(category)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	name := string(cat)

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.jobs[name]; ok {
		m.cron.Remove(old.id)
	}
	id := m.cron.Schedule(sched, cron.FuncJob(func() { m.fire(name) }))
	m.jobs[name] = &job{id: id, expr: expr, sched: sched}
	metrics.ScheduleJobs.Set(float64(len(m.jobs)))

	m.logger.Info("schedule job installed",
		slog.String("category", name),
		slog.String("expression", expr),
		slog.String("next", sched.Next(m.now()).Format(time.RFC3339)))
	return nil
}

// RemoveJob 停止并移除类目的定时器，不存在时返回 false。
func (m *Manager) RemoveJob(category string) bool {
	cat, ok := model.ParseCategory(category)
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[string(cat)]
	if !ok {
		return false
	}
	m.cron.Remove(j.id)
	delete(m.jobs, string(cat))
	metrics.ScheduleJobs.Set(float64(len(m.jobs)))
	m.logger.Info("schedule job removed", slog.String("category", string(cat)))
	return true
}

// Jobs 按类目排序返回已安装的任务。
func (m *Manager) Jobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]JobInfo, 0, len(m.jobs))
	for cat, j := range m.jobs {
		out = append(out, JobInfo{Category: cat, Expression: j.expr, Next: j.sched.Next(now)})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Category < out[k].Category })
	return out
}

// NextRun 返回类目下一次触发时间。
func (m *Manager) NextRun(category string) (time.Time, error) {
	cat, _ := model.ParseCategory(category)
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[string(cat)]
	if !ok {
		return time.Time{}, ErrNoJob
	}
	return j.sched.Next(m.now()), nil
}

// LoadFromPersistedSchedules 按库中启用的记录重建定时器，可重复调用。
//
// 库中已不再启用的类目会被移除；单条记录表达式非法只记录日志。
func (m *Manager) LoadFromPersistedSchedules(ctx context.Context) (int, error) {
	rows, err := m.store.ListEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled schedules: %w", err)
	}

	enabled := make(map[string]struct{}, len(rows))
	loaded := 0
	for _, row := range rows {
		if err := m.AddOrUpdateJob(row.Category, row.RecurrenceExpression); err != nil {
			m.logger.Warn("skip persisted schedule",
				slog.String("category", row.Category),
				slog.String("expression", row.RecurrenceExpression),
				slog.String("error", err.Error()))
			continue
		}
		cat, _ := model.ParseCategory(row.Category)
		enabled[string(cat)] = struct{}{}
		loaded++
		if next, err := m.NextRun(row.Category); err == nil {
			if err := m.store.SetNextRun(ctx, row.Category, next); err != nil {
				m.logger.Warn("persist next run failed", slog.String("category", row.Category), slog.String("error", err.Error()))
			}
		}
	}

	for _, j := range m.Jobs() {
		if _, ok := enabled[j.Category]; !ok {
			m.RemoveJob(j.Category)
		}
	}

	m.logger.Info("persisted schedules loaded", slog.Int("jobs", loaded))
	return loaded, nil
}

// Start 启动 worker 池与 cron，并在 StartupDelay 之后加载持久化的调度。
func (m *Manager) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.started {
		return
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.queue.Start(runCtx)
	m.cron.Start()

	go func() {
		timer := time.NewTimer(m.opts.StartupDelay)
		defer timer.Stop()
		select {
		case <-runCtx.Done():
			return
		case <-timer.C:
		}
		if _, err := m.LoadFromPersistedSchedules(runCtx); err != nil {
			m.logger.Error("load persisted schedules failed", slog.String("error", err.Error()))
		}
	}()
}

// Stop 停止所有定时器并等待在途抓取完成。
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	<-m.cron.Stop().Done()
	err := m.queue.ShutdownWithTimeout(m.opts.ShutdownTimeout)
	m.cancel()
	return err
}

func (m *Manager) fire(category string) {
	err := m.queue.Enqueue(queue.Job{
		Key: category,
		Run: func(ctx context.Context) error { return m.runJob(ctx, category) },
	})
	if err != nil {
		m.logger.Warn("schedule firing dropped",
			slog.String("category", category),
			slog.String("error", err.Error()))
	}
}

// runJob 执行一次抓取并写回调度记录。
func (m *Manager) runJob(ctx context.Context, category string) error {
	ranAt := m.now()
	rep, runErr := m.runner.Run(ctx, category)

	status, message := "success", fmt.Sprintf("found=%d new=%d sold_out=%d", rep.TotalFound, len(rep.NewItems), len(rep.SoldOutItems))
	if runErr != nil {
		status, message = "failure", runErr.Error()
	}

	next, _ := m.NextRun(category)
	if err := m.store.RecordRun(ctx, category, ranAt, next, status, message); err != nil {
		m.logger.Warn("record schedule run failed", slog.String("category", category), slog.String("error", err.Error()))
	}
	m.cacheStatus(ctx, category, status, message)
	return runErr
}

func (m *Manager) cacheStatus(ctx context.Context, category, status, message string) {
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Set(ctx, statusKeyPrefix+category, status, statusTTL).Err(); err != nil {
		m.logger.Warn("set crawl status failed", slog.String("category", category), slog.String("error", err.Error()))
	}
	if err := m.rdb.Set(ctx, messageKeyPrefix+category, message, statusTTL).Err(); err != nil {
		m.logger.Warn("set crawl message failed", slog.String("category", category), slog.String("error", err.Error()))
	}
}

// CachedStatus 读取最近一次触发的状态，没有记录时返回空串。
func (m *Manager) CachedStatus(ctx context.Context, category string) (string, string) {
	if m.rdb == nil {
		return "", ""
	}
	status, err := m.rdb.Get(ctx, statusKeyPrefix+category).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.logger.Warn("get crawl status failed", slog.String("category", category), slog.String("error", err.Error()))
		}
		return "", ""
	}
	message, _ := m.rdb.Get(ctx, messageKeyPrefix+category).Result()
	return status, message
}
