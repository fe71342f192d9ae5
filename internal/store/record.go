package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
)

type RecordFilter struct {
	UserID    string
	AccountID string
	Platform  models.PlatformType
	Limit     int
	Offset    int
}

type RecordStore struct {
	db *gorm.DB
}

func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) GetByTask(ctx context.Context, taskID string) (*models.PublishRecord, error) {
	var record models.PublishRecord
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&record).Error; err != nil {
		return nil, translate(err)
	}
	return &record, nil
}

func (s *RecordStore) List(ctx context.Context, filter RecordFilter) ([]models.PublishRecord, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.PublishRecord{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Platform != "" {
		query = query.Where("platform = ?", filter.Platform)
	}

	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	var records []models.PublishRecord
	if err := paginate(query, filter.Limit, filter.Offset).Order("publish_time desc").Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	return records, total, nil
}
