package model

import "time"

// 单品监控执行日志状态。
const (
	LogSuccess     = "SUCCESS"
	LogFailure     = "FAILURE"
	LogNotified    = "NOTIFIED"
	LogOutOfStock  = "OUT_OF_STOCK"
	LogNoRecipient = "NO_RECIPIENT"
)

// FavoriteMonitorTask 用户收藏的某个变体的库存监控任务。
//
// (UserID, ProductID, Color, Size) 唯一。
type FavoriteMonitorTask struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID          uint       `gorm:"not null;uniqueIndex:idx_fav_variant" json:"user_id"`
	ProductID       string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_fav_variant" json:"product_id"`
	ProductCode     string     `gorm:"type:varchar(32)" json:"product_code"`
	ProductName     string     `gorm:"type:varchar(255)" json:"product_name"`
	Color           string     `gorm:"type:varchar(64);uniqueIndex:idx_fav_variant" json:"color"`
	Size            string     `gorm:"type:varchar(32);uniqueIndex:idx_fav_variant" json:"size"`
	TargetPrice     *float64   `json:"target_price"`                                         // 仅作展示，不参与触发
	IntervalSeconds int        `gorm:"default:60" json:"interval_seconds"`                   // 轮询间隔
	IsActive        bool       `gorm:"default:false" json:"is_active"`
	WindowStart     string     `gorm:"type:varchar(5);default:'00:00'" json:"window_start"` // HH:MM
	WindowEnd       string     `gorm:"type:varchar(5);default:'23:59'" json:"window_end"`   // HH:MM，可跨零点
	LastPushTime    *time.Time `json:"last_push_time"`                                       // 最近一次推送成功时间
}

// TaskExecutionLog 单次轮询结果，只追加不修改。
type TaskExecutionLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    uint      `gorm:"index;not null" json:"task_id"`
	Status    string    `gorm:"type:varchar(16);not null" json:"status"`
	Message   string    `gorm:"type:varchar(512)" json:"message"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
