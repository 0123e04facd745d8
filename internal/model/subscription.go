package model

import (
	"time"

	"gorm.io/datatypes"
)

// PushSubscription 用户对类目上新的订阅。
type PushSubscription struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserID           uint                        `gorm:"uniqueIndex;not null"`
	User             User                        `gorm:"foreignKey:UserID"`
	IsEnabled        bool
	Channel          string                      `gorm:"type:varchar(16);default:wechat"`
	FrequencySeconds int                         `gorm:"default:0"` // 0 表示不限频
	Genders          datatypes.JSONSlice[string] // 订阅的类目
}

// Covers 判断订阅是否包含指定类目（别名容错）。
func (s *PushSubscription) Covers(category string) bool {
	for _, g := range s.Genders {
		if MatchCategory(g, category) {
			return true
		}
	}
	return false
}
