package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/instagram"
	"github.com/ifuryst/crosspost/internal/store"
)

// Dispatcher puts tasks on the publish queue and takes them off again.
type Dispatcher interface {
	// EnqueuePush adds the push job of task, delayed until its publish time.
	EnqueuePush(ctx context.Context, task *models.PublishTask) (bool, error)
	// RemoveJobs drops the queued jobs of a task. It returns
	// queue.ErrJobActive when one of them is executing.
	RemoveJobs(ctx context.Context, taskID string) error
}

type SubmitRequest struct {
	UserID      string                 `json:"user_id" binding:"required"`
	AccountID   string                 `json:"account_id" binding:"required"`
	Platform    models.PlatformType    `json:"platform" binding:"required"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Topics      []string               `json:"topics"`
	VideoURL    string                 `json:"video_url"`
	CoverURL    string                 `json:"cover_url"`
	ImageURLs   []string               `json:"image_urls"`
	Options     models.PlatformOptions `json:"options"`
	PublishTime *time.Time             `json:"publish_time"`
}

// TaskStatus is what GetStatus reports. Published tasks no longer exist,
// their status comes from the publish record.
type TaskStatus struct {
	TaskID      string                `json:"task_id"`
	Status      models.PublishStatus  `json:"status"`
	ErrorMsg    string                `json:"error_msg,omitempty"`
	InQueue     bool                  `json:"in_queue"`
	PublishTime time.Time             `json:"publish_time"`
	Record      *models.PublishRecord `json:"record,omitempty"`
}

type PublishDeps struct {
	Tasks      *store.TaskStore
	Containers *store.ContainerStore
	Records    *store.RecordStore
	Registry   *publisher.Registry
	Accounts   publisher.AccountResolver
	Dispatcher Dispatcher
	Logger     *zap.Logger

	// ImmediateThreshold is how close to now a publish time must be for the
	// task to be pushed on submit instead of by the scheduler.
	ImmediateThreshold time.Duration
}

type PublishService struct {
	PublishDeps
	now func() time.Time
}

func NewPublishService(deps PublishDeps) *PublishService {
	return &PublishService{PublishDeps: deps, now: time.Now}
}

func (s *PublishService) Submit(ctx context.Context, req SubmitRequest) (*models.PublishTask, error) {
	now := s.now()
	task := &models.PublishTask{
		ID:          uuid.NewString(),
		UserID:      strings.TrimSpace(req.UserID),
		AccountID:   strings.TrimSpace(req.AccountID),
		Platform:    req.Platform,
		Title:       req.Title,
		Description: req.Description,
		Topics:      models.StringArray(req.Topics),
		VideoURL:    req.VideoURL,
		CoverURL:    req.CoverURL,
		ImageURLs:   models.StringArray(req.ImageURLs),
		Options:     req.Options,
		PublishTime: now,
		Status:      models.StatusWaitingForPublish,
	}
	if req.PublishTime != nil && !req.PublishTime.IsZero() {
		task.PublishTime = *req.PublishTime
	}

	if err := s.validate(ctx, task); err != nil {
		return nil, err
	}

	if err := s.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	metrics.TasksSubmitted.WithLabelValues(string(task.Platform)).Inc()

	s.Logger.Info("Publish task submitted",
		zap.String("task_id", task.ID),
		zap.String("platform", string(task.Platform)),
		zap.String("account_id", task.AccountID),
		zap.Time("publish_time", task.PublishTime))

	if task.PublishTime.Before(now.Add(s.ImmediateThreshold)) {
		if err := s.Push(ctx, task); err != nil {
			// The scheduler picks the task up on its next run.
			s.Logger.Error("Failed to push task, leaving it to the scheduler", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return task, nil
}

func (s *PublishService) validate(ctx context.Context, task *models.PublishTask) error {
	if task.UserID == "" || task.AccountID == "" {
		return fmt.Errorf("%w: user_id and account_id are required", ErrInvalidTask)
	}
	if !task.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidTask, task.Platform)
	}
	if _, err := s.Registry.Get(task.Platform); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if !task.HasMedia() && strings.TrimSpace(task.Description) == "" && len(task.Topics) == 0 {
		return fmt.Errorf("%w: nothing to publish", ErrInvalidTask)
	}

	if task.Platform == models.PlatformInstagram {
		if !task.HasMedia() {
			return fmt.Errorf("%w: %v", ErrInvalidTask, instagram.ErrTextOnly)
		}
		if task.Options.Instagram == nil {
			task.Options.Instagram = &models.InstagramOptions{}
		}
		category := instagram.ContentCategory(task)
		switch category {
		case models.InstagramPost, models.InstagramReel, models.InstagramStory:
		default:
			return fmt.Errorf("%w: unknown instagram content category %q", ErrInvalidTask, category)
		}
		if err := instagram.ValidateCategory(task, category); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		task.Options.Instagram.ContentCategory = category
	}

	if _, err := s.Accounts.Credential(ctx, task.Platform, task.AccountID); err != nil {
		if errors.Is(err, publisher.ErrAccountNotFound) {
			return fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		return err
	}
	return nil
}

// Push enqueues the push job of task. It is a no-op when the job is
// already queued.
func (s *PublishService) Push(ctx context.Context, task *models.PublishTask) error {
	added, err := s.Dispatcher.EnqueuePush(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to push task %s: %w", task.ID, err)
	}
	task.InQueue = true
	task.QueueID = task.ID
	if added {
		s.Logger.Info("Task pushed to publish queue", zap.String("task_id", task.ID))
	}
	return nil
}

func (s *PublishService) GetStatus(ctx context.Context, id string) (*TaskStatus, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err == nil {
		return &TaskStatus{
			TaskID:      task.ID,
			Status:      task.Status,
			ErrorMsg:    task.ErrorMsg,
			InQueue:     task.InQueue,
			PublishTime: task.PublishTime,
		}, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	record, err := s.Records.GetByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TaskStatus{
		TaskID:      id,
		Status:      models.StatusPublished,
		PublishTime: record.PublishTime,
		Record:      record,
	}, nil
}

func (s *PublishService) GetTask(ctx context.Context, id string) (*models.PublishTask, error) {
	return s.Tasks.Get(ctx, id)
}

func (s *PublishService) ListTasks(ctx context.Context, filter store.TaskFilter) ([]models.PublishTask, int64, error) {
	return s.Tasks.List(ctx, filter)
}

func (s *PublishService) ListRecords(ctx context.Context, filter store.RecordFilter) ([]models.PublishRecord, int64, error) {
	return s.Records.List(ctx, filter)
}

// owned loads the task and checks it belongs to userID. An empty userID
// skips the check.
func (s *PublishService) owned(ctx context.Context, id, userID string) (*models.PublishTask, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && task.UserID != userID {
		return nil, ErrForbidden
	}
	return task, nil
}

func (s *PublishService) removeJobs(ctx context.Context, taskID string) error {
	err := s.Dispatcher.RemoveJobs(ctx, taskID)
	if errors.Is(err, queue.ErrJobActive) {
		return ErrTaskBusy
	}
	return err
}

// Delete removes a task that is not being executed, together with its queued jobs.
func (s *PublishService) Delete(ctx context.Context, id, userID string) error {
	if _, err := s.owned(ctx, id, userID); err != nil {
		return err
	}
	if err := s.removeJobs(ctx, id); err != nil {
		return err
	}
	if err := s.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.Logger.Info("Publish task deleted", zap.String("task_id", id))
	return nil
}

// UpdatePublishTime reschedules a waiting task. Its queued job is dropped and
// the task is pushed again by the scheduler, or right away when the new time is near.
func (s *PublishService) UpdatePublishTime(ctx context.Context, id, userID string, publishTime time.Time) (*models.PublishTask, error) {
	task, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusWaitingForPublish {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, task.Status)
	}
	if err := s.removeJobs(ctx, id); err != nil {
		return nil, err
	}
	if err := s.Tasks.UpdatePublishTime(ctx, id, publishTime); err != nil {
		return nil, err
	}
	task.PublishTime = publishTime
	task.InQueue = false
	task.QueueID = ""

	if publishTime.Before(s.now().Add(s.ImmediateThreshold)) {
		if err := s.Push(ctx, task); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// PublishNow moves the publish time of a waiting task to now and pushes it.
func (s *PublishService) PublishNow(ctx context.Context, id, userID string) (*models.PublishTask, error) {
	task, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusWaitingForPublish {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, task.Status)
	}
	if err := s.removeJobs(ctx, id); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.Tasks.UpdatePublishTime(ctx, id, now); err != nil {
		return nil, err
	}
	task.PublishTime = now
	if err := s.Push(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Retry resubmits a failed task from scratch.
func (s *PublishService) Retry(ctx context.Context, id string) (*models.PublishTask, error) {
	task, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, task.Status)
	}

	if err := s.Containers.DeleteByTask(ctx, id); err != nil {
		return nil, err
	}
	err = s.Tasks.Transition(ctx, id, []models.PublishStatus{models.StatusFailed}, models.StatusWaitingForPublish, map[string]interface{}{
		"error_msg": "",
		"in_queue":  false,
		"queue_id":  "",
	})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}

	task.Status = models.StatusWaitingForPublish
	task.ErrorMsg = ""
	if err := s.Push(ctx, task); err != nil {
		return nil, err
	}
	s.Logger.Info("Failed task resubmitted", zap.String("task_id", id))
	return task, nil
}

func (s *PublishService) CheckAuth(ctx context.Context, platform models.PlatformType, accountID string) (*publisher.AuthStatus, error) {
	pub, err := s.Registry.Get(platform)
	if err != nil {
		return nil, err
	}
	return pub.CheckAuth(ctx, accountID)
}
