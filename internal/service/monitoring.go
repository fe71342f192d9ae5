package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
)

const (
	LevelError = "ERROR"
	LevelWarn  = "WARN"
)

type MonitoringService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewMonitoringService(db *gorm.DB, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		db:     db,
		logger: logger,
	}
}

// RecordError 记录错误日志
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	// 应用选项
	for _, option := range options {
		option(errorLog)
	}

	if err := m.db.WithContext(ctx).Create(errorLog).Error; err != nil {
		m.logger.Error("Failed to record error log", zap.String("title", title), zap.Error(err))
		return err
	}
	return nil
}

// ErrorLogOption 错误日志选项
type ErrorLogOption func(*models.ErrorLog)

// WithPlatform 设置平台名称
func WithPlatform(platform models.PlatformType) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PlatformName = string(platform)
	}
}

// WithTask 设置任务信息
func WithTask(task *models.PublishTask) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.TaskID = task.ID
		e.AccountID = task.AccountID
		e.PlatformName = string(task.Platform)
	}
}

// WithContext 设置上下文信息
func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// GetRecentErrors 获取最近的错误
func (m *MonitoringService) GetRecentErrors(ctx context.Context, limit int, unresolvedOnly bool) ([]models.ErrorLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := m.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if unresolvedOnly {
		query = query.Where("resolved = ?", false)
	}

	var logs []models.ErrorLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list error logs: %w", err)
	}
	return logs, nil
}

// ResolveError 标记错误已处理
func (m *MonitoringService) ResolveError(ctx context.Context, id uint) error {
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&models.ErrorLog{}).Where("id = ?", id).Updates(map[string]interface{}{
		"resolved":    true,
		"resolved_at": &now,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to resolve error log %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupOldData 清理已处理的旧错误日志
func (m *MonitoringService) CleanupOldData(ctx context.Context, daysToKeep int) error {
	cutoff := time.Now().AddDate(0, 0, -daysToKeep)

	res := m.db.WithContext(ctx).Where("resolved = ? AND created_at < ?", true, cutoff).Delete(&models.ErrorLog{})
	if res.Error != nil {
		return fmt.Errorf("failed to cleanup error logs: %w", res.Error)
	}

	m.logger.Info("Cleaned up old error logs", zap.Int64("deleted", res.RowsAffected), zap.Int("days_kept", daysToKeep))
	return nil
}
