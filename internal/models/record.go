package models

import "time"

// PublishRecord is the durable result of a successfully published task.
type PublishRecord struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	TaskID      string       `gorm:"size:36;not null;uniqueIndex" json:"task_id"`
	UserID      string       `gorm:"size:64;not null;index" json:"user_id"`
	AccountID   string       `gorm:"size:128;not null;index" json:"account_id"`
	Platform    PlatformType `gorm:"size:32;not null;index" json:"platform"`
	Title       string       `gorm:"size:500" json:"title"`
	Description string       `gorm:"type:text" json:"description"`
	Topics      StringArray  `gorm:"type:text" json:"topics"`
	VideoURL    string       `gorm:"size:2048" json:"video_url,omitempty"`
	CoverURL    string       `gorm:"size:2048" json:"cover_url,omitempty"`
	ImageURLs   StringArray  `gorm:"type:text" json:"image_urls"`
	DataID      string       `gorm:"size:128;index" json:"data_id"`
	WorkLink    string       `gorm:"size:2048" json:"work_link"`
	Extra       JSONMap      `gorm:"type:text" json:"extra,omitempty"`
	PublishTime time.Time    `gorm:"index" json:"publish_time"`
	CreatedAt   time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// NewPublishRecord copies the content of task into a record.
func NewPublishRecord(id string, task *PublishTask, dataID, workLink string, extra JSONMap) *PublishRecord {
	return &PublishRecord{
		ID:          id,
		TaskID:      task.ID,
		UserID:      task.UserID,
		AccountID:   task.AccountID,
		Platform:    task.Platform,
		Title:       task.Title,
		Description: task.Description,
		Topics:      task.Topics,
		VideoURL:    task.VideoURL,
		CoverURL:    task.CoverURL,
		ImageURLs:   task.ImageURLs,
		DataID:      dataID,
		WorkLink:    workLink,
		Extra:       extra,
		PublishTime: task.PublishTime,
	}
}
