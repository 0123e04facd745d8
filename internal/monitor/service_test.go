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
	"stockwatch/internal/pkg/testutil"
	"stockwatch/internal/pkg/throttle"
	"stockwatch/internal/store"
)

type stubStock struct {
	qty  int
	err  error
	code string
}

func (s *stubStock) VariantStock(ctx context.Context, code, color, size string) (int, error) {
	s.code = code
	return s.qty, s.err
}

type stubNotifier struct {
	mu    sync.Mutex
	sent  []string
	links []string
	err   error
}

func (n *stubNotifier) Send(ctx context.Context, recipient, title, body, linkURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, recipient)
	n.links = append(n.links, linkURL)
	return nil
}

type serviceFixture struct {
	svc      *Service
	notifier *stubNotifier
	stock    *stubStock
	user     model.User
}

func newServiceFixture(t *testing.T, recipient string) *serviceFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	_, rdb := testutil.NewTestRedis(t)

	user := model.User{Nickname: "alice", Role: model.RoleUser, PushRecipient: recipient, PushFrequencyMinutes: 30}
	require.NoError(t, db.Create(&user).Error)

	n := &stubNotifier{}
	st := &stubStock{qty: 3}
	svc := NewService(store.NewFavoriteStore(db), store.NewUserStore(db), st, throttle.New(rdb), n,
		time.Hour, "https://shop.example.com/products/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &serviceFixture{svc: svc, notifier: n, stock: st, user: user}
}

func (f *serviceFixture) task() *model.FavoriteMonitorTask {
	return &model.FavoriteMonitorTask{
		UserID:          f.user.ID,
		ProductID:       "u0000000012345",
		ProductCode:     "465185",
		ProductName:     "Oxford Shirt",
		Color:           "09",
		Size:            "M",
		IntervalSeconds: 60,
	}
}

func TestServiceStartTaskValidation(t *testing.T) {
	f := newServiceFixture(t, "openid-1")
	ctx := context.Background()

	bad := f.task()
	bad.Size = ""
	_, err := f.svc.StartTask(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidTask)

	fast := f.task()
	fast.IntervalSeconds = 1
	_, err = f.svc.StartTask(ctx, fast)
	require.ErrorIs(t, err, ErrInvalidInterval)

	win := f.task()
	win.WindowStart = "25:00"
	_, err = f.svc.StartTask(ctx, win)
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestServiceStartStopIsIdempotentPerVariant(t *testing.T) {
	f := newServiceFixture(t, "openid-1")
	ctx := context.Background()

	first, err := f.svc.StartTask(ctx, f.task())
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	require.True(t, first.IsActive)
	require.Equal(t, "00:00", first.WindowStart)
	require.Equal(t, "23:59", first.WindowEnd)

	require.NoError(t, f.svc.StopTask(ctx, first.ID))
	got, err := f.svc.GetTask(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	again := f.task()
	again.IntervalSeconds = 120
	second, err := f.svc.StartTask(ctx, again)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.IsActive)
	require.Equal(t, 120, second.IntervalSeconds)

	active, err := f.svc.ActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.ErrorIs(t, f.svc.StopTask(ctx, 9999), ErrTaskNotFound)
	_, err = f.svc.GetTask(ctx, 9999)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestServicePushFavoriteThrottle(t *testing.T) {
	f := newServiceFixture(t, "openid-1")
	ctx := context.Background()
	task, err := f.svc.StartTask(ctx, f.task())
	require.NoError(t, err)

	res, err := f.svc.PushFavorite(ctx, task, 3)
	require.NoError(t, err)
	require.True(t, res.Sent)
	require.Equal(t, 30*time.Minute, res.Frequency)
	require.Equal(t, []string{"openid-1"}, f.notifier.sent)
	require.Equal(t, "https://shop.example.com/products/465185", f.notifier.links[0])

	stored, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastPushTime)

	// 颜色尺码大小写不同也视为同一变体
	same := *task
	same.Size = "m"
	res, err = f.svc.PushFavorite(ctx, &same, 3)
	require.NoError(t, err)
	require.False(t, res.Sent)
	require.True(t, res.RateLimited)
	require.Greater(t, res.Remaining, time.Duration(0))
	require.LessOrEqual(t, res.Remaining, 30*time.Minute)
	require.Len(t, f.notifier.sent, 1)

	other := *task
	other.Size = "L"
	res, err = f.svc.PushFavorite(ctx, &other, 1)
	require.NoError(t, err)
	require.True(t, res.Sent)
}

func TestServicePushFavoriteFailureReleasesWindow(t *testing.T) {
	f := newServiceFixture(t, "someone@example.com")
	ctx := context.Background()
	task, err := f.svc.StartTask(ctx, f.task())
	require.NoError(t, err)

	f.notifier.err = errors.New("smtp down")
	_, err = f.svc.PushFavorite(ctx, task, 2)
	require.Error(t, err)

	f.notifier.err = nil
	res, err := f.svc.PushFavorite(ctx, task, 2)
	require.NoError(t, err)
	require.True(t, res.Sent)
}

func TestServicePushFavoriteNoRecipient(t *testing.T) {
	f := newServiceFixture(t, "  ")
	ctx := context.Background()
	task, err := f.svc.StartTask(ctx, f.task())
	require.NoError(t, err)

	_, err = f.svc.PushFavorite(ctx, task, 2)
	require.ErrorIs(t, err, ErrNoRecipient)
	require.Empty(t, f.notifier.sent)
}

func TestServiceCheckStockAndLogs(t *testing.T) {
	f := newServiceFixture(t, "openid-1")
	ctx := context.Background()
	task, err := f.svc.StartTask(ctx, f.task())
	require.NoError(t, err)

	qty, err := f.svc.CheckStock(ctx, task)
	require.NoError(t, err)
	require.Equal(t, 3, qty)
	require.Equal(t, "465185", f.stock.code)

	noCode := *task
	noCode.ProductCode = ""
	_, err = f.svc.CheckStock(ctx, &noCode)
	require.NoError(t, err)
	require.Equal(t, task.ProductID, f.stock.code)

	require.Error(t, f.svc.AppendLog(ctx, task.ID, "BOGUS", "x"))
	require.NoError(t, f.svc.AppendLog(ctx, task.ID, model.LogSuccess, "in stock: 3"))
	require.NoError(t, f.svc.AppendLog(ctx, task.ID, model.LogNotified, "in stock: 3, notified"))

	logs, err := f.svc.RecentLogs(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, model.LogNotified, logs[0].Status)
}

func TestRunnerStartAllAndUnwatch(t *testing.T) {
	f := newServiceFixture(t, "openid-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.stock.qty = 0
	task, err := f.svc.StartTask(ctx, f.task())
	require.NoError(t, err)

	r := NewRunner(f.svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := r.StartAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	m, ok := r.Get(task.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return m.State().LastCheck != nil }, time.Second, 5*time.Millisecond)

	n, err = r.StartAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, r.Unwatch(ctx, task.ID))
	_, ok = r.Get(task.ID)
	require.False(t, ok)

	stored, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)

	r.StopAll()
}

func TestRunnerWatchAppliesRestartedSettings(t *testing.T) {
	f := newServiceFixture(t, "openid-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := f.svc.StartTask(ctx, f.task())
	require.NoError(t, err)

	r := NewRunner(f.svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer r.StopAll()
	require.NoError(t, r.Watch(ctx, task.ID))
	m, ok := r.Get(task.ID)
	require.True(t, ok)
	require.Equal(t, time.Minute, m.Interval())

	again := f.task()
	again.IntervalSeconds = 300
	again.WindowStart = "22:00"
	again.WindowEnd = "02:00"
	restarted, err := f.svc.StartTask(ctx, again)
	require.NoError(t, err)
	require.Equal(t, task.ID, restarted.ID)
	require.NoError(t, r.Watch(ctx, restarted.ID))

	hosted, ok := r.Get(task.ID)
	require.True(t, ok)
	require.Same(t, m, hosted)
	require.Equal(t, 5*time.Minute, hosted.Interval())
	require.Equal(t, "22:00", hosted.Task().WindowStart)
	require.Equal(t, "02:00", hosted.Task().WindowEnd)
	require.True(t, hosted.State().Running)
}
