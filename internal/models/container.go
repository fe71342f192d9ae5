package models

import "time"

// ContainerStatus mirrors the processing state of a platform media container.
type ContainerStatus string

const (
	ContainerCreated    ContainerStatus = "created"
	ContainerInProgress ContainerStatus = "in_progress"
	ContainerFinished   ContainerStatus = "finished"
	ContainerFailed     ContainerStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ContainerStatus) Terminal() bool {
	return s == ContainerFinished || s == ContainerFailed
}

type MediaType string

const (
	MediaImage MediaType = "IMAGE"
	MediaVideo MediaType = "VIDEO"
	MediaText  MediaType = "TEXT"
)

// MediaContainer tracks one platform-side container created for a task. A
// task has at most one container per position.
type MediaContainer struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	PublishTaskID       string          `gorm:"size:36;not null;index;uniqueIndex:idx_container_task_position" json:"publish_task_id"`
	AccountID           string          `gorm:"size:128;not null" json:"account_id"`
	Platform            PlatformType    `gorm:"size:32;not null" json:"platform"`
	PlatformContainerID string          `gorm:"size:128;not null" json:"platform_container_id"`
	MediaType           MediaType       `gorm:"size:16" json:"media_type"`
	Position            int             `gorm:"not null;uniqueIndex:idx_container_task_position" json:"position"`
	Status              ContainerStatus `gorm:"size:32;not null;index" json:"status"`
	ErrorMsg            string          `gorm:"type:text" json:"error_msg,omitempty"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
