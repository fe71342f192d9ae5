package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/crosspost/internal/models"
)

// ContainerStore tracks platform media containers per task.
type ContainerStore struct {
	db *gorm.DB
}

func NewContainerStore(db *gorm.DB) *ContainerStore {
	return &ContainerStore{db: db}
}

// Create inserts container and reports false, without error, when the task
// already has a container at the same position.
func (s *ContainerStore) Create(ctx context.Context, container *models.MediaContainer) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "publish_task_id"}, {Name: "position"}},
		DoNothing: true,
	}).Create(container)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create media container: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListByTask returns the containers of a task in carousel order.
func (s *ContainerStore) ListByTask(ctx context.Context, taskID string) ([]models.MediaContainer, error) {
	var containers []models.MediaContainer
	if err := s.db.WithContext(ctx).
		Where("publish_task_id = ?", taskID).
		Order("position asc, created_at asc").
		Find(&containers).Error; err != nil {
		return nil, fmt.Errorf("failed to list media containers: %w", err)
	}
	return containers, nil
}

func (s *ContainerStore) UpdateStatus(ctx context.Context, id string, status models.ContainerStatus, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&models.MediaContainer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "error_msg": errMsg})
	if res.Error != nil {
		return fmt.Errorf("failed to update media container %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ContainerStore) DeleteByTask(ctx context.Context, taskID string) error {
	if err := s.db.WithContext(ctx).Where("publish_task_id = ?", taskID).Delete(&models.MediaContainer{}).Error; err != nil {
		return fmt.Errorf("failed to delete media containers: %w", err)
	}
	return nil
}
