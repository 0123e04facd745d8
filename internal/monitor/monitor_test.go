package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stockwatch/internal/model"
)

type fakeBackend struct {
	mu     sync.Mutex
	calls  []string
	stock  int
	stkErr error
	push   PushResult
	pshErr error
	logs   []string
	pushes int
}

func (f *fakeBackend) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeBackend) StartTask(ctx context.Context, task *model.FavoriteMonitorTask) (*model.FavoriteMonitorTask, error) {
	f.record("start")
	saved := *task
	saved.ID = 42
	saved.IsActive = true
	return &saved, nil
}

func (f *fakeBackend) StopTask(ctx context.Context, taskID uint) error {
	f.record("stop")
	return nil
}

func (f *fakeBackend) CheckStock(ctx context.Context, task *model.FavoriteMonitorTask) (int, error) {
	f.record("check")
	return f.stock, f.stkErr
}

func (f *fakeBackend) PushFavorite(ctx context.Context, task *model.FavoriteMonitorTask, stock int) (PushResult, error) {
	f.mu.Lock()
	f.pushes++
	f.mu.Unlock()
	return f.push, f.pshErr
}

func (f *fakeBackend) AppendLog(ctx context.Context, taskID uint, status, message string) error {
	f.mu.Lock()
	f.logs = append(f.logs, status)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) snapshotCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTask() model.FavoriteMonitorTask {
	return model.FavoriteMonitorTask{
		ID:              7,
		UserID:          1,
		ProductID:       "p123456",
		ProductCode:     "123456",
		Color:           "09",
		Size:            "M",
		IntervalSeconds: 30,
		WindowStart:     "08:00",
		WindowEnd:       "23:00",
	}
}

func newMonitor(b Backend, clock *fakeClock, task model.FavoriteMonitorTask) *Monitor {
	return New(b, task, WithClock(clock.Now), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestCheck_OutsideWindowSkipsStockQuery(t *testing.T) {
	b := &fakeBackend{stock: 3}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 3, 0, 0, 0, time.Local)}
	m := newMonitor(b, clock, newTask())

	res := m.Check(context.Background())
	require.Equal(t, statusSkipped, res.Status)
	require.Empty(t, b.snapshotCalls())
	require.Empty(t, b.logs)
	require.Len(t, m.State().Logs, 1)
}

func TestCheck_PushThrottleFlow(t *testing.T) {
	b := &fakeBackend{stock: 2, push: PushResult{Sent: true, Frequency: 60 * time.Minute}}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)}
	m := newMonitor(b, clock, newTask())
	ctx := context.Background()

	res := m.Check(ctx)
	require.Equal(t, model.LogNotified, res.Status)
	require.True(t, res.Notified)
	require.Equal(t, 1, b.pushes)

	clock.Advance(59 * time.Minute)
	res = m.Check(ctx)
	require.Equal(t, model.LogSuccess, res.Status)
	require.Equal(t, 1, b.pushes)

	clock.Advance(2 * time.Minute)
	res = m.Check(ctx)
	require.Equal(t, model.LogNotified, res.Status)
	require.Equal(t, 2, b.pushes)

	// 缺货清除节流，补货后立即推送
	b.stock = 0
	clock.Advance(time.Minute)
	require.Equal(t, model.LogOutOfStock, m.Check(ctx).Status)
	b.stock = 1
	clock.Advance(time.Minute)
	require.Equal(t, model.LogNotified, m.Check(ctx).Status)
	require.Equal(t, 3, b.pushes)

	require.Equal(t, []string{
		model.LogNotified, model.LogSuccess, model.LogNotified, model.LogOutOfStock, model.LogNotified,
	}, b.logs)
}

func TestCheck_RateLimitedAndFailures(t *testing.T) {
	b := &fakeBackend{stock: 2, push: PushResult{RateLimited: true, Remaining: 10 * time.Minute}}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)}
	m := newMonitor(b, clock, newTask())
	ctx := context.Background()

	require.Equal(t, model.LogSuccess, m.Check(ctx).Status)
	clock.Advance(5 * time.Minute)
	m.Check(ctx)
	require.Equal(t, 1, b.pushes)

	clock.Advance(6 * time.Minute)
	b.pshErr = errors.New("gateway down")
	require.Equal(t, model.LogFailure, m.Check(ctx).Status)
	require.Equal(t, 2, b.pushes)

	// 推送失败后下一次有货立即重试
	clock.Advance(30 * time.Second)
	b.pshErr = ErrNoRecipient
	require.Equal(t, model.LogNoRecipient, m.Check(ctx).Status)
	require.Equal(t, 3, b.pushes)

	b.stkErr = errors.New("timeout")
	require.Equal(t, model.LogFailure, m.Check(ctx).Status)
	require.Equal(t, 3, b.pushes)
}

func TestStartPersistsBeforeTicking(t *testing.T) {
	b := &fakeBackend{stock: 0}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)}
	task := newTask()
	task.ID = 0
	task.IntervalSeconds = 0
	m := newMonitor(b, clock, task)
	ctx := context.Background()

	require.Equal(t, MinInterval, m.Interval())
	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool { return len(b.snapshotCalls()) >= 2 }, time.Second, 5*time.Millisecond)
	require.True(t, m.State().Running)
	require.EqualValues(t, 42, m.Task().ID)

	require.NoError(t, m.Stop(ctx))
	require.False(t, m.State().Running)

	calls := b.snapshotCalls()
	require.Equal(t, "start", calls[0])
	require.Equal(t, "check", calls[1])
	require.Equal(t, "stop", calls[len(calls)-1])
}

func TestResumeAfterContextCancelled(t *testing.T) {
	b := &fakeBackend{stock: 0}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)}
	m := newMonitor(b, clock, newTask())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Resume(ctx))
	require.Eventually(t, func() bool { return len(b.snapshotCalls()) >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return !m.State().Running }, time.Second, 5*time.Millisecond)

	// 循环退出后应能重新启动，并立即执行一次检查。
	before := len(b.snapshotCalls())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	require.Eventually(t, func() bool {
		_ = m.Resume(ctx2)
		return len(b.snapshotCalls()) > before
	}, time.Second, 5*time.Millisecond)
	require.True(t, m.State().Running)
	m.Halt()
	require.False(t, m.State().Running)
}
