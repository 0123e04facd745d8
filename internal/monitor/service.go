package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
	"stockwatch/internal/pkg/notify"
	"stockwatch/internal/pkg/throttle"
	"stockwatch/internal/store"
)

var (
	ErrInvalidInterval = errors.New("interval below minimum")
	ErrInvalidTask     = errors.New("task requires user, product, color and size")
	ErrTaskNotFound    = errors.New("monitor task not found")
	ErrNoRecipient     = errors.New("user has no push recipient")
)

// StockChecker 查询单个变体的库存。
type StockChecker interface {
	VariantStock(ctx context.Context, code, color, size string) (int, error)
}

// Service 是单品监控的服务端实现，同时支撑 HTTP 接口。
type Service struct {
	favorites   *store.FavoriteStore
	users       *store.UserStore
	stock       StockChecker
	throttle    *throttle.Throttle
	notifier    notify.Notifier
	defaultFreq time.Duration
	linkBaseURL string
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(favorites *store.FavoriteStore, users *store.UserStore, stock StockChecker, th *throttle.Throttle, notifier notify.Notifier, defaultFreq time.Duration, linkBaseURL string, logger *slog.Logger) *Service {
	if defaultFreq <= 0 {
		defaultFreq = model.DefaultPushFrequencyMinutes * time.Minute
	}
	return &Service{
		favorites:   favorites,
		users:       users,
		stock:       stock,
		throttle:    th,
		notifier:    notifier,
		defaultFreq: defaultFreq,
		linkBaseURL: strings.TrimRight(linkBaseURL, "/"),
		logger:      logger,
		now:         time.Now,
	}
}

// StartTask 校验并按 (user, product, color, size) upsert 任务，isActive 置为 true。
func (s *Service) StartTask(ctx context.Context, task *model.FavoriteMonitorTask) (*model.FavoriteMonitorTask, error) {
	if task.UserID == 0 || strings.TrimSpace(task.ProductID) == "" || task.Color == "" || task.Size == "" {
		return nil, ErrInvalidTask
	}
	if task.WindowStart == "" {
		task.WindowStart = "00:00"
	}
	if task.WindowEnd == "" {
		task.WindowEnd = "23:59"
	}
	if err := ValidateWindow(task.WindowStart, task.WindowEnd); err != nil {
		return nil, err
	}
	if time.Duration(task.IntervalSeconds)*time.Second < MinInterval {
		return nil, fmt.Errorf("%w: %ds < %s", ErrInvalidInterval, task.IntervalSeconds, MinInterval)
	}

	saved := *task
	saved.IsActive = true
	if err := s.favorites.UpsertTask(ctx, &saved); err != nil {
		return nil, fmt.Errorf("upsert monitor task: %w", err)
	}
	s.logger.Info("monitor task started",
		slog.Uint64("task_id", uint64(saved.ID)),
		slog.Uint64("user_id", uint64(saved.UserID)),
		slog.String("product_id", saved.ProductID))
	return &saved, nil
}

func (s *Service) StopTask(ctx context.Context, taskID uint) error {
	if err := s.favorites.SetActive(ctx, taskID, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	s.logger.Info("monitor task stopped", slog.Uint64("task_id", uint64(taskID)))
	return nil
}

func (s *Service) GetTask(ctx context.Context, taskID uint) (*model.FavoriteMonitorTask, error) {
	task, err := s.favorites.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (s *Service) ActiveTasks(ctx context.Context) ([]model.FavoriteMonitorTask, error) {
	return s.favorites.ActiveTasks(ctx)
}

// CheckStock 查询任务对应变体的当前库存。
func (s *Service) CheckStock(ctx context.Context, task *model.FavoriteMonitorTask) (int, error) {
	code := task.ProductCode
	if code == "" {
		code = task.ProductID
	}
	return s.stock.VariantStock(ctx, code, task.Color, task.Size)
}

// PushFavorite 推送一次到货提醒，按 (user, product, color, size) 限频。
//
// 限频窗口为用户配置的推送间隔；发送失败时释放窗口以便下一次立即重试。
func (s *Service) PushFavorite(ctx context.Context, task *model.FavoriteMonitorTask, stock int) (PushResult, error) {
	user, err := s.users.Get(ctx, task.UserID)
	if err != nil {
		return PushResult{}, fmt.Errorf("load user: %w", err)
	}
	recipient := strings.TrimSpace(user.PushRecipient)
	if recipient == "" {
		metrics.NotificationsTotal.WithLabelValues("favorite", "no_recipient").Inc()
		return PushResult{}, ErrNoRecipient
	}

	freq := s.defaultFreq
	if user.PushFrequencyMinutes > 0 {
		freq = user.PushFrequency()
	}
	res := PushResult{Frequency: freq}

	key := throttle.Key("favorite",
		strconv.FormatUint(uint64(task.UserID), 10),
		task.ProductID,
		model.NormalizeKeyPart(task.Color),
		model.NormalizeKeyPart(task.Size))
	ok, remaining, err := s.throttle.Allow(ctx, key, freq)
	if err != nil {
		return res, err
	}
	if !ok {
		metrics.NotificationsTotal.WithLabelValues("favorite", "throttled").Inc()
		res.RateLimited = true
		res.Remaining = remaining
		return res, nil
	}

	title := fmt.Sprintf("到货提醒 %s", task.ProductName)
	body := fmt.Sprintf("%s %s / %s 有货了，当前库存 %d", task.ProductCode, task.Color, task.Size, stock)
	if err := s.notifier.Send(ctx, recipient, title, body, s.link(task)); err != nil {
		metrics.NotificationsTotal.WithLabelValues("favorite", "failed").Inc()
		if rerr := s.throttle.Release(ctx, key); rerr != nil {
			s.logger.Warn("release push throttle failed", slog.String("error", rerr.Error()))
		}
		return res, fmt.Errorf("send push: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues("favorite", "sent").Inc()
	if task.ID != 0 {
		if err := s.favorites.MarkPushed(ctx, task.ID, s.now()); err != nil {
			s.logger.Warn("mark pushed failed", slog.Uint64("task_id", uint64(task.ID)), slog.String("error", err.Error()))
		}
	}
	res.Sent = true
	return res, nil
}

func (s *Service) link(task *model.FavoriteMonitorTask) string {
	if s.linkBaseURL == "" || task.ProductCode == "" {
		return ""
	}
	return s.linkBaseURL + "/" + task.ProductCode
}

// AppendLog 追加一条执行日志。
func (s *Service) AppendLog(ctx context.Context, taskID uint, status, message string) error {
	switch status {
	case model.LogSuccess, model.LogFailure, model.LogNotified, model.LogOutOfStock, model.LogNoRecipient:
	default:
		return fmt.Errorf("unknown log status %q", status)
	}
	return s.favorites.AppendLog(ctx, &model.TaskExecutionLog{
		TaskID:    taskID,
		Status:    status,
		Message:   message,
		CreatedAt: s.now(),
	})
}

// RecentLogs 返回最近的执行日志，最新的在前。
func (s *Service) RecentLogs(ctx context.Context, taskID uint, limit int) ([]model.TaskExecutionLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.favorites.RecentLogs(ctx, taskID, limit)
}
