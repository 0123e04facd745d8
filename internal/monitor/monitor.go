// Package monitor 实现单品（颜色+尺码）到货监控。
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
)

// MinInterval 轮询间隔下限。
const MinInterval = 2 * time.Second

// PushResult 是服务端对一次单品推送请求的答复。
type PushResult struct {
	Sent        bool          `json:"sent"`
	RateLimited bool          `json:"rate_limited"`
	Remaining   time.Duration `json:"remaining"`
	Frequency   time.Duration `json:"frequency"`
}

// Backend 是 Monitor 依赖的服务端能力。
type Backend interface {
	StartTask(ctx context.Context, task *model.FavoriteMonitorTask) (*model.FavoriteMonitorTask, error)
	StopTask(ctx context.Context, taskID uint) error
	CheckStock(ctx context.Context, task *model.FavoriteMonitorTask) (int, error)
	PushFavorite(ctx context.Context, task *model.FavoriteMonitorTask, stock int) (PushResult, error)
	AppendLog(ctx context.Context, taskID uint, status, message string) error
}

// Option 配置 Monitor。
type Option func(*Monitor)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogCapacity 设置内存日志条数。
func WithLogCapacity(n int) Option {
	return func(m *Monitor) { m.state = NewState(n) }
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// Monitor 是一个收藏变体的轮询循环：Stopped → Running → Stopped。
type Monitor struct {
	backend Backend
	state   *State
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	task   model.FavoriteMonitorTask
	stop   chan struct{}
	done   chan struct{}
	checks sync.Mutex
}

func New(backend Backend, task model.FavoriteMonitorTask, opts ...Option) *Monitor {
	m := &Monitor{
		backend: backend,
		state:   NewState(DefaultLogCapacity),
		now:     time.Now,
		logger:  slog.Default(),
		task:    task,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Interval 返回生效的轮询间隔（不低于 MinInterval）。
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := time.Duration(m.task.IntervalSeconds) * time.Second
	if d < MinInterval {
		return MinInterval
	}
	return d
}

func (m *Monitor) Task() model.FavoriteMonitorTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.task
}

func (m *Monitor) State() Snapshot {
	return m.state.Snapshot()
}

// Start 先把任务以 isActive=true 落库，再启动定时器。
func (m *Monitor) Start(ctx context.Context) error {
	task := m.Task()
	saved, err := m.backend.StartTask(ctx, &task)
	if err != nil {
		return fmt.Errorf("persist monitor start: %w", err)
	}
	m.mu.Lock()
	m.task = *saved
	m.mu.Unlock()
	return m.Resume(ctx)
}

// Resume 不落库直接启动定时器，用于恢复已处于激活状态的任务。
func (m *Monitor) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.state.setRunning(true)
	go m.loop(ctx, stop, done)
	return nil
}

// Stop 先把任务以 isActive=false 落库，再停止定时器。
//
// 正在进行的检查会执行完，停止在下一个 tick 边界生效。
func (m *Monitor) Stop(ctx context.Context) error {
	task := m.Task()
	if task.ID != 0 {
		if err := m.backend.StopTask(ctx, task.ID); err != nil {
			return fmt.Errorf("persist monitor stop: %w", err)
		}
	}
	m.mu.Lock()
	m.task.IsActive = false
	m.mu.Unlock()
	m.Halt()
	return nil
}

// Reconfigure 换成库中最新的任务配置并确保定时器在运行。
//
// 时间窗每次检查时读取，立即生效；间隔变化时重启定时器。
func (m *Monitor) Reconfigure(ctx context.Context, task model.FavoriteMonitorTask) error {
	m.mu.Lock()
	oldInterval := m.task.IntervalSeconds
	m.task = task
	running := m.stop != nil
	m.mu.Unlock()

	if running && oldInterval == task.IntervalSeconds {
		return nil
	}
	m.Halt()
	return m.Resume(ctx)
}

// Halt 只停止定时器，不修改落库状态。
func (m *Monitor) Halt() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.state.setRunning(false)
}

func (m *Monitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer m.detach(stop)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor loop panic recovered", slog.Any("panic", r))
			m.state.setRunning(false)
		}
	}()

	m.Check(ctx)

	ticker := time.NewTicker(m.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.state.setRunning(false)
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// detach 在循环自行退出（ctx 取消或 panic）后清空通道，使之后的 Resume 能重新启动。
func (m *Monitor) detach(stop chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == stop {
		m.stop, m.done = nil, nil
	}
}

// Check 执行一次检查：窗口 → 查库存 → 记日志 → 推送决策。
func (m *Monitor) Check(ctx context.Context) CheckResult {
	m.checks.Lock()
	defer m.checks.Unlock()

	task := m.Task()
	now := m.now()

	if !IsInsideWindow(ClockOf(now), task.WindowStart, task.WindowEnd) {
		res := CheckResult{At: now, Status: statusSkipped, Message: fmt.Sprintf("outside window %s-%s", task.WindowStart, task.WindowEnd)}
		m.finish(ctx, task, res, false)
		return res
	}

	stock, err := m.backend.CheckStock(ctx, &task)
	if err != nil {
		res := CheckResult{At: now, Status: model.LogFailure, Message: "stock query failed: " + err.Error()}
		m.finish(ctx, task, res, true)
		return res
	}

	if stock <= 0 {
		m.state.OnOutOfStock(now)
		res := CheckResult{At: now, Status: model.LogOutOfStock, Message: "out of stock"}
		m.finish(ctx, task, res, true)
		return res
	}

	res := CheckResult{At: now, Status: model.LogSuccess, Stock: stock, Message: fmt.Sprintf("in stock: %d", stock)}
	if !m.state.CanNotify(now) {
		res.Message += ", notify throttled"
		m.finish(ctx, task, res, true)
		return res
	}

	push, err := m.backend.PushFavorite(ctx, &task, stock)
	switch {
	case errors.Is(err, ErrNoRecipient):
		m.state.OnPushFailure(now)
		res.Status = model.LogNoRecipient
		res.Message = "no push recipient configured"
	case err != nil:
		m.state.OnPushFailure(now)
		res.Status = model.LogFailure
		res.Message = fmt.Sprintf("in stock: %d, push failed: %s", stock, err.Error())
	case push.RateLimited:
		m.state.OnRateLimited(now, push.Remaining)
		res.Message = fmt.Sprintf("in stock: %d, push rate limited for %s", stock, push.Remaining.Round(time.Second))
	case push.Sent:
		m.state.OnPushSuccess(now, push.Frequency)
		res.Status = model.LogNotified
		res.Notified = true
		res.Message = fmt.Sprintf("in stock: %d, notified", stock)
	}
	m.finish(ctx, task, res, true)
	return res
}

// finish 更新内存状态，绑定了任务 ID 时同时落一条执行日志。
func (m *Monitor) finish(ctx context.Context, task model.FavoriteMonitorTask, res CheckResult, persist bool) {
	m.state.record(res)
	m.state.Append(LogEntry{At: res.At, Status: res.Status, Message: res.Message})
	metrics.MonitorChecksTotal.WithLabelValues(res.Status).Inc()

	if !persist || task.ID == 0 {
		return
	}
	if err := m.backend.AppendLog(ctx, task.ID, res.Status, res.Message); err != nil {
		m.logger.Warn("append execution log failed",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("error", err.Error()))
	}
}
