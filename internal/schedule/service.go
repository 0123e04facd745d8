package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"stockwatch/internal/model"
)

// AdminStore 是管理端对调度记录的读写。
type AdminStore interface {
	List(ctx context.Context) ([]model.Schedule, error)
	Get(ctx context.Context, category string) (*model.Schedule, error)
	Upsert(ctx context.Context, category string, enabled bool, expr string) (*model.Schedule, error)
	SetEnabled(ctx context.Context, category string, enabled bool) error
}

// Service 负责调度记录与运行中定时器保持一致：先落库，再安装或移除定时器。
type Service struct {
	store   AdminStore
	manager *Manager
	logger  *slog.Logger
}

func NewService(store AdminStore, manager *Manager, logger *slog.Logger) *Service {
	return &Service{store: store, manager: manager, logger: logger}
}

func (s *Service) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	return s.store.List(ctx)
}

// UpsertSchedule 写入类目调度。
//
// 启用时表达式必须合法，否则不落库直接返回 ErrInvalidExpression；
// 禁用时表达式可为空，沿用库中已有的值。
func (s *Service) UpsertSchedule(ctx context.Context, category string, enabled bool, expr string) (*model.Schedule, error) {
	cat, ok := model.ParseCategory(category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	name := string(cat)
	expr = strings.TrimSpace(expr)

	if expr == "" {
		existing, err := s.store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			expr = existing.RecurrenceExpression
		}
	}
	if enabled {
		if _, err := Parse(expr); err != nil {
			return nil, err
		}
	}

	row, err := s.store.Upsert(ctx, name, enabled, expr)
	if err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}

	if !enabled {
		s.manager.RemoveJob(name)
		return row, nil
	}
	if err := s.manager.AddOrUpdateJob(name, expr); err != nil {
		return nil, err
	}
	if next, err := s.manager.NextRun(name); err == nil {
		if err := s.manager.store.SetNextRun(ctx, name, next); err != nil {
			s.logger.Warn("persist next run failed", slog.String("category", name), slog.String("error", err.Error()))
		} else {
			row.NextRunTime = &next
		}
	}
	return row, nil
}

// DisableSchedule 禁用类目调度并移除定时器，返回是否有定时器被移除。
func (s *Service) DisableSchedule(ctx context.Context, category string) (bool, error) {
	cat, ok := model.ParseCategory(category)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if err := s.store.SetEnabled(ctx, string(cat), false); err != nil {
		return false, fmt.Errorf("persist schedule: %w", err)
	}
	return s.manager.RemoveJob(string(cat)), nil
}
