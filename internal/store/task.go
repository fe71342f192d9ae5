package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/crosspost/internal/models"
)

// TaskFilter narrows List queries. Zero fields are ignored.
type TaskFilter struct {
	UserID    string
	AccountID string
	Platform  models.PlatformType
	Status    models.PublishStatus
	Limit     int
	Offset    int
}

type TaskStore struct {
	db *gorm.DB
}

func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) Create(ctx context.Context, task *models.PublishTask) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create publish task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*models.PublishTask, error) {
	var task models.PublishTask
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (s *TaskStore) update(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.PublishTask{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update publish task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus is a last-writer-wins status write.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status models.PublishStatus, errMsg string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":    status,
		"error_msg": errMsg,
	})
}

// MarkFailed records the terminal failure and clears the queue flag.
func (s *TaskStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":    models.StatusFailed,
		"error_msg": errMsg,
		"in_queue":  false,
	})
}

// Transition moves the task to status only if it is currently in one of from.
func (s *TaskStore) Transition(ctx context.Context, id string, from []models.PublishStatus, to models.PublishStatus, updates map[string]interface{}) error {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}

	res := s.db.WithContext(ctx).Model(&models.PublishTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to transition publish task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *TaskStore) SetQueued(ctx context.Context, id, queueID string, inQueue bool) error {
	return s.update(ctx, id, map[string]interface{}{
		"queue_id": queueID,
		"in_queue": inQueue,
	})
}

// ClearQueued resets the queue flag only while the task still points at
// queueID, so a settled job cannot clear the flag of its successor.
func (s *TaskStore) ClearQueued(ctx context.Context, id, queueID string) error {
	res := s.db.WithContext(ctx).Model(&models.PublishTask{}).
		Where("id = ? AND queue_id = ?", id, queueID).
		Updates(map[string]interface{}{"in_queue": false, "queue_id": ""})
	if res.Error != nil {
		return fmt.Errorf("failed to clear queue flag of publish task %s: %w", id, res.Error)
	}
	return nil
}

func (s *TaskStore) UpdatePublishTime(ctx context.Context, id string, publishTime time.Time) error {
	return s.update(ctx, id, map[string]interface{}{
		"publish_time": publishTime,
		"in_queue":     false,
		"queue_id":     "",
	})
}

// Delete removes the task together with its media containers.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("publish_task_id = ?", id).Delete(&models.MediaContainer{}).Error; err != nil {
			return fmt.Errorf("failed to delete media containers: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&models.PublishTask{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete publish task %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListDue returns waiting tasks that are not queued and due before until.
func (s *TaskStore) ListDue(ctx context.Context, until time.Time, limit int) ([]models.PublishTask, error) {
	var tasks []models.PublishTask
	query := s.db.WithContext(ctx).
		Where("status = ? AND in_queue = ? AND publish_time <= ?", models.StatusWaitingForPublish, false, until).
		Order("publish_time asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) List(ctx context.Context, filter TaskFilter) ([]models.PublishTask, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.PublishTask{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Platform != "" {
		query = query.Where("platform = ?", filter.Platform)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	var tasks []models.PublishTask
	if err := paginate(query, filter.Limit, filter.Offset).Order("publish_time desc").Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

// Finish writes the record and removes the task with its containers in one
// transaction. A record that already exists for the task is kept as is.
func (s *TaskStore) Finish(ctx context.Context, taskID string, record *models.PublishRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoNothing: true,
		}).Create(record).Error; err != nil {
			return fmt.Errorf("failed to create publish record: %w", err)
		}
		if err := tx.Where("publish_task_id = ?", taskID).Delete(&models.MediaContainer{}).Error; err != nil {
			return fmt.Errorf("failed to delete media containers: %w", err)
		}
		if err := tx.Where("id = ?", taskID).Delete(&models.PublishTask{}).Error; err != nil {
			return fmt.Errorf("failed to delete publish task: %w", err)
		}
		return nil
	})
}

func paginate(query *gorm.DB, limit, offset int) *gorm.DB {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return query.Limit(limit).Offset(offset)
}

// IsNotFound reports whether err means the row is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
