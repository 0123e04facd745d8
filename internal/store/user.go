package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockwatch/internal/model"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("record not found")

// UserStore 负责用户推送配置与类目订阅。
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Get(ctx context.Context, id uint) (*model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateNotify 修改推送接收方和推送间隔；frequencyMinutes <= 0 时不修改间隔。
func (s *UserStore) UpdateNotify(ctx context.Context, id uint, recipient string, frequencyMinutes int) (*model.User, error) {
	updates := map[string]any{"push_recipient": recipient}
	if frequencyMinutes > 0 {
		updates["push_frequency_minutes"] = frequencyMinutes
	}
	res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// UpsertSubscription 按用户写入类目订阅。
func (s *UserStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "channel", "frequency_seconds", "genders", "updated_at"}),
	}).Omit("User").Create(sub).Error
}

// EnabledSubscriptions 返回启用的订阅并预加载用户。
func (s *UserStore) EnabledSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("is_enabled = ?", true).
		Order("user_id ASC").
		Find(&subs).Error
	return subs, err
}
