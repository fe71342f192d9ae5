package models

import (
	"time"
)

// ErrorLog 错误日志表
type ErrorLog struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Level        string     `gorm:"size:20;not null;index" json:"level"`   // ERROR, WARN, INFO
	Source       string     `gorm:"size:100;not null;index" json:"source"` // worker, scheduler, recorder
	PlatformName string     `gorm:"size:100;index" json:"platform_name"`
	TaskID       string     `gorm:"size:36;index" json:"task_id"`
	AccountID    string     `gorm:"size:128" json:"account_id"`
	Title        string     `gorm:"size:500;not null" json:"title"`
	Message      string     `gorm:"type:text;not null" json:"message"`
	Context      string     `gorm:"type:text" json:"context"`
	Resolved     bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
