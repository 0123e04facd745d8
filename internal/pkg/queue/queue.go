package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/pkg/metrics"
)

var (
	// ErrClosed 队列已关闭。
	ErrClosed = errors.New("queue is closed")
	// ErrFull 队列已满。
	ErrFull = errors.New("queue is full")
	// ErrInFlight 同一 Key 的任务仍在排队或执行。
	ErrInFlight = errors.New("job with same key in flight")
)

// Job 是一次带键的异步执行，Key 通常是类目名。
type Job struct {
	Key string
	Run func(ctx context.Context) error
}

// Queue 是固定 worker 数的内存任务池。
//
// 开启 exclusive 后，同一 Key 在上一个任务结束之前不会再次入队。
type Queue struct {
	logger    *slog.Logger
	workers   int
	jobs      chan Job
	exclusive bool

	mu       sync.Mutex
	inflight map[string]struct{}

	wg      sync.WaitGroup
	closeMu sync.RWMutex // 入队持读锁，关闭持写锁，保证不会向已关闭的通道发送
	closed  atomic.Bool

	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// Stats 队列统计快照。
type Stats struct {
	Enqueued  int64
	Succeeded int64
	Failed    int64
	Rejected  int64 // 队列满或同键在途
	Panics    int64
	Pending   int
}

// New 创建任务池。
//
// 参数:
//   - workers: worker 数量（至少为 1）
//   - capacity: 排队容量（至少为 1）
//   - exclusive: 是否拒绝同键重叠
func New(logger *slog.Logger, workers, capacity int, exclusive bool) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:    logger,
		workers:   workers,
		jobs:      make(chan Job, capacity),
		exclusive: exclusive,
		inflight:  make(map[string]struct{}),
	}
}

// Start 启动 worker，直到 ctx 取消或 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			q.execute(ctx, job, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job Job, workerID int) {
	defer q.release(job.Key)
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.logger.Error("job panic recovered",
				slog.String("key", job.Key),
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := job.Run(ctx); err != nil {
		q.failed.Add(1)
		q.logger.Warn("job failed",
			slog.String("key", job.Key),
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
		return
	}
	q.succeeded.Add(1)
}

// Enqueue 非阻塞入队。
func (q *Queue) Enqueue(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run func", job.Key)
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed.Load() {
		return ErrClosed
	}
	if !q.claim(job.Key) {
		q.rejected.Add(1)
		return ErrInFlight
	}

	select {
	case q.jobs <- job:
		q.enqueued.Add(1)
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		return nil
	default:
		q.release(job.Key)
		q.rejected.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.String("key", job.Key),
			slog.Int("capacity", cap(q.jobs)))
		return ErrFull
	}
}

func (q *Queue) claim(key string) bool {
	if !q.exclusive || key == "" {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[key]; busy {
		return false
	}
	q.inflight[key] = struct{}{}
	return true
}

func (q *Queue) release(key string) {
	if !q.exclusive || key == "" {
		return
	}
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

// ShutdownWithTimeout 拒绝新任务并等待在途任务结束。
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	q.closeMu.Lock()
	if !q.closed.CompareAndSwap(false, true) {
		q.closeMu.Unlock()
		return ErrClosed
	}
	close(q.jobs)
	q.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout", slog.String("timeout", timeout.String()))
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Rejected:  q.rejected.Load(),
		Panics:    q.panics.Load(),
		Pending:   len(q.jobs),
	}
}
