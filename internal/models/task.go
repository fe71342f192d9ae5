package models

import (
	"time"
)

// PublishStatus is the lifecycle state of a PublishTask.
type PublishStatus string

const (
	StatusWaitingForPublish PublishStatus = "waiting_for_publish"
	StatusPublishing        PublishStatus = "publishing"
	StatusPublished         PublishStatus = "published"
	StatusFailed            PublishStatus = "failed"
)

// PublishTask is one "publish this content to this account" intent.
type PublishTask struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	UserID      string          `gorm:"size:64;not null;index" json:"user_id"`
	AccountID   string          `gorm:"size:128;not null;index" json:"account_id"`
	Platform    PlatformType    `gorm:"size:32;not null;index" json:"platform"`
	Title       string          `gorm:"size:500" json:"title"`
	Description string          `gorm:"type:text" json:"description"`
	Topics      StringArray     `gorm:"type:text" json:"topics"`
	VideoURL    string          `gorm:"size:2048" json:"video_url,omitempty"`
	CoverURL    string          `gorm:"size:2048" json:"cover_url,omitempty"`
	ImageURLs   StringArray     `gorm:"type:text" json:"image_urls"`
	Options     PlatformOptions `gorm:"type:text" json:"options"`
	PublishTime time.Time       `gorm:"not null;index" json:"publish_time"`
	QueueID     string          `gorm:"size:128" json:"queue_id,omitempty"`
	InQueue     bool            `gorm:"default:false;index" json:"in_queue"`
	Status      PublishStatus   `gorm:"size:32;not null;index" json:"status"`
	ErrorMsg    string          `gorm:"type:text" json:"error_msg,omitempty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasMedia reports whether the task carries any image or video.
func (t *PublishTask) HasMedia() bool {
	return t.VideoURL != "" || len(t.ImageURLs) > 0
}
