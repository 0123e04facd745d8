package monitor

import (
	"context"
	"log/slog"
	"sync"
)

// Runner 在服务端托管一组 Monitor，进程启动时恢复所有激活的任务。
type Runner struct {
	service *Service
	logger  *slog.Logger
	opts    []Option

	mu       sync.Mutex
	monitors map[uint]*Monitor
}

func NewRunner(service *Service, logger *slog.Logger, opts ...Option) *Runner {
	return &Runner{
		service:  service,
		logger:   logger,
		opts:     append([]Option{WithLogger(logger)}, opts...),
		monitors: make(map[uint]*Monitor),
	}
}

// StartAll 为每个激活的任务启动轮询，已在运行的跳过。
func (r *Runner) StartAll(ctx context.Context) (int, error) {
	tasks, err := r.service.ActiveTasks(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, t := range tasks {
		if r.Watch(ctx, t.ID) == nil {
			started++
		}
	}
	r.logger.Info("monitors resumed", slog.Int("active", len(tasks)), slog.Int("started", started))
	return started, nil
}

// Watch 按库中最新配置托管单个任务的轮询。
//
// 任务已在托管时换成新的间隔与时间窗，而不是沿用旧配置。
func (r *Runner) Watch(ctx context.Context, taskID uint) error {
	task, err := r.service.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	m, hosted := r.monitors[task.ID]
	if !hosted {
		m = New(r.service, *task, r.opts...)
		r.monitors[task.ID] = m
	}
	r.mu.Unlock()

	if hosted {
		if err := m.Reconfigure(ctx, *task); err != nil {
			return err
		}
	}
	if !task.IsActive {
		return m.Start(ctx)
	}
	return m.Resume(ctx)
}

// Unwatch 停止单个任务并落库为未激活。
func (r *Runner) Unwatch(ctx context.Context, taskID uint) error {
	r.mu.Lock()
	m, ok := r.monitors[taskID]
	delete(r.monitors, taskID)
	r.mu.Unlock()
	if !ok {
		return r.service.StopTask(ctx, taskID)
	}
	return m.Stop(ctx)
}

// Get 返回正在托管的 Monitor。
func (r *Runner) Get(taskID uint) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[taskID]
	return m, ok
}

// StopAll 停止全部定时器，不修改任务的激活状态。
func (r *Runner) StopAll() {
	r.mu.Lock()
	monitors := r.monitors
	r.monitors = make(map[uint]*Monitor)
	r.mu.Unlock()

	for _, m := range monitors {
		m.Halt()
	}
}
