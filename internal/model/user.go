package model

import "time"

// 用户角色。
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// DefaultPushFrequencyMinutes 用户未配置推送间隔时使用的默认值。
const DefaultPushFrequencyMinutes = 60

// User 表示系统用户。
type User struct {
	ID                   uint      `gorm:"primaryKey"`                    // 用户 ID
	Nickname             string    `gorm:"type:varchar(64)"`              // 昵称
	Role                 string    `gorm:"type:varchar(16);default:user"` // 角色: admin / user
	PushRecipient        string    `gorm:"type:varchar(191)"`             // 推送接收方（openid / 邮箱）
	PushFrequencyMinutes int       `gorm:"default:60"`                    // 单品推送最小间隔（分钟）
	CreatedAt            time.Time // 创建时间
	UpdatedAt            time.Time
}

// PushFrequency 返回生效的推送间隔。
func (u *User) PushFrequency() time.Duration {
	if u == nil || u.PushFrequencyMinutes <= 0 {
		return DefaultPushFrequencyMinutes * time.Minute
	}
	return time.Duration(u.PushFrequencyMinutes) * time.Minute
}
