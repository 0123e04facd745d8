package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockwatch/internal/model"
)

// FavoriteStore 负责单品监控任务及其执行日志。
type FavoriteStore struct {
	db *gorm.DB
}

func NewFavoriteStore(db *gorm.DB) *FavoriteStore {
	return &FavoriteStore{db: db}
}

// UpsertTask 按 (user, product, color, size) 写入任务并回填 ID。
func (s *FavoriteStore) UpsertTask(ctx context.Context, task *model.FavoriteMonitorTask) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "product_id"}, {Name: "color"}, {Name: "size"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"product_code", "product_name", "target_price", "interval_seconds",
			"is_active", "window_start", "window_end", "updated_at",
		}),
	}).Create(task).Error; err != nil {
		return err
	}

	// 某些驱动在冲突更新时不会回填 ID，这里做一次兜底查询。
	var existing model.FavoriteMonitorTask
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND color = ? AND size = ?", task.UserID, task.ProductID, task.Color, task.Size).
		First(&existing).Error; err != nil {
		return err
	}
	*task = existing
	return nil
}

func (s *FavoriteStore) GetTask(ctx context.Context, id uint) (*model.FavoriteMonitorTask, error) {
	var task model.FavoriteMonitorTask
	err := s.db.WithContext(ctx).First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *FavoriteStore) SetActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&model.FavoriteMonitorTask{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *FavoriteStore) ActiveTasks(ctx context.Context) ([]model.FavoriteMonitorTask, error) {
	var tasks []model.FavoriteMonitorTask
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&tasks).Error
	return tasks, err
}

// MarkPushed 记录推送成功时间。
func (s *FavoriteStore) MarkPushed(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.FavoriteMonitorTask{}).Where("id = ?", id).Update("last_push_time", at).Error
}

func (s *FavoriteStore) AppendLog(ctx context.Context, entry *model.TaskExecutionLog) error {
	entry.Message = truncate(entry.Message, 512)
	return s.db.WithContext(ctx).Create(entry).Error
}

// RecentLogs 按时间倒序返回最近 limit 条日志。
func (s *FavoriteStore) RecentLogs(ctx context.Context, taskID uint, limit int) ([]model.TaskExecutionLog, error) {
	var logs []model.TaskExecutionLog
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
