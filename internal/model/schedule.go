package model

import "time"

// Schedule 每个类目一行，描述该类目的定时抓取。
type Schedule struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Category             string     `gorm:"type:varchar(16);uniqueIndex;not null" json:"category"`
	IsEnabled            bool       `gorm:"default:false" json:"is_enabled"`
	RecurrenceExpression string     `gorm:"type:varchar(64)" json:"recurrence_expression"` // 5 段 cron 表达式
	LastRunTime          *time.Time `json:"last_run_time"`                                 // 上次触发时间
	NextRunTime          *time.Time `json:"next_run_time"`                                 // 下次触发时间
	LastStatus           string     `gorm:"type:varchar(16)" json:"last_status"`           // success / failure
	LastMessage          string     `gorm:"type:varchar(512)" json:"last_message"`
}
