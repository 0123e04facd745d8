package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockwatch/internal/model"
)

// ScheduleStore 是 schedules 表的访问层。
type ScheduleStore struct {
	db *gorm.DB
}

func NewScheduleStore(db *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) List(ctx context.Context) ([]model.Schedule, error) {
	var rows []model.Schedule
	err := s.db.WithContext(ctx).Order("category ASC").Find(&rows).Error
	return rows, err
}

func (s *ScheduleStore) ListEnabled(ctx context.Context) ([]model.Schedule, error) {
	var rows []model.Schedule
	err := s.db.WithContext(ctx).Where("is_enabled = ?", true).Order("category ASC").Find(&rows).Error
	return rows, err
}

// Get 返回类目的调度记录，不存在时返回 nil, nil。
func (s *ScheduleStore) Get(ctx context.Context, category string) (*model.Schedule, error) {
	var row model.Schedule
	err := s.db.WithContext(ctx).Where("category = ?", category).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Upsert 按类目写入启用状态与表达式。
func (s *ScheduleStore) Upsert(ctx context.Context, category string, enabled bool, expr string) (*model.Schedule, error) {
	row := model.Schedule{
		Category:             category,
		IsEnabled:            enabled,
		RecurrenceExpression: expr,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "recurrence_expression", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, category)
}

// SetEnabled 只修改启用状态。
func (s *ScheduleStore) SetEnabled(ctx context.Context, category string, enabled bool) error {
	return s.db.WithContext(ctx).Model(&model.Schedule{}).
		Where("category = ?", category).
		Update("is_enabled", enabled).Error
}

// SetNextRun 在任务装载后记录下一次触发时间。
func (s *ScheduleStore) SetNextRun(ctx context.Context, category string, next time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Schedule{}).
		Where("category = ?", category).
		Update("next_run_time", next).Error
}

// RecordRun 记录一次触发的结果。
func (s *ScheduleStore) RecordRun(ctx context.Context, category string, ranAt, next time.Time, status, message string) error {
	updates := map[string]any{
		"last_run_time": ranAt,
		"last_status":   status,
		"last_message":  truncate(message, 512),
	}
	if !next.IsZero() {
		updates["next_run_time"] = next
	}
	return s.db.WithContext(ctx).Model(&model.Schedule{}).
		Where("category = ?", category).
		Updates(updates).Error
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
