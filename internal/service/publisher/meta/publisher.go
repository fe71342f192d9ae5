package meta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// ContainerPublisher drives the container state machine shared by the Meta
// platforms: create item containers, wait until the platform finished
// processing all of them, compose a carousel when there is more than one,
// publish and record.
type ContainerPublisher struct {
	adapter Adapter
	deps    publisher.Deps
	logger  *zap.Logger
	now     func() time.Time
}

func NewContainerPublisher(adapter Adapter, deps publisher.Deps) *ContainerPublisher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContainerPublisher{
		adapter: adapter,
		deps:    deps,
		logger:  logger.With(zap.String("platform", string(adapter.Platform()))),
		now:     time.Now,
	}
}

func (p *ContainerPublisher) Platform() models.PlatformType {
	return p.adapter.Platform()
}

func (p *ContainerPublisher) CheckAuth(ctx context.Context, accountID string) (*publisher.AuthStatus, error) {
	cred, err := p.deps.Accounts.Credential(ctx, p.Platform(), accountID)
	if errors.Is(err, publisher.ErrAccountNotFound) {
		return &publisher.AuthStatus{Status: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %s: %w", accountID, err)
	}

	now := p.now()
	if cred.Expired(now) {
		return &publisher.AuthStatus{Status: 0}, nil
	}

	status := &publisher.AuthStatus{Status: 1}
	if !cred.ExpiresAt.IsZero() {
		status.TimeoutSeconds = int64(cred.ExpiresAt.Sub(now).Seconds())
	}
	return status, nil
}

// credential resolves the task's account. A missing or expired account is
// a terminal failure.
func (p *ContainerPublisher) credential(ctx context.Context, task *models.PublishTask) (*publisher.Credential, *publisher.Result, error) {
	cred, err := p.deps.Accounts.Credential(ctx, task.Platform, task.AccountID)
	if errors.Is(err, publisher.ErrAccountNotFound) {
		return nil, publisher.Failed(fmt.Sprintf("account %s not found", task.AccountID), true), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve account %s: %w", task.AccountID, err)
	}
	if cred.Expired(p.now()) {
		return nil, publisher.Failed(fmt.Sprintf("access token of account %s expired", task.AccountID), true), nil
	}
	return cred, nil, nil
}

func (p *ContainerPublisher) DoPub(ctx context.Context, task *models.PublishTask) (*publisher.Result, error) {
	items, err := p.adapter.Plan(task)
	if err != nil {
		return publisher.Failed(err.Error(), true), nil
	}

	cred, result, err := p.credential(ctx, task)
	if cred == nil {
		return result, err
	}

	// Containers already created by an earlier attempt are kept.
	existing, err := p.deps.Containers.ListByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	created := make(map[int]bool, len(existing))
	for _, c := range existing {
		created[c.Position] = true
	}

	for _, item := range items {
		if created[item.Position] {
			continue
		}

		remoteID, err := p.adapter.CreateItem(ctx, cred, task, item)
		if err != nil {
			return p.apiFailure("create media container", err)
		}

		container := &models.MediaContainer{
			ID:                  uuid.NewString(),
			PublishTaskID:       task.ID,
			AccountID:           task.AccountID,
			Platform:            task.Platform,
			PlatformContainerID: remoteID,
			MediaType:           item.MediaType,
			Position:            item.Position,
			Status:              models.ContainerCreated,
		}
		inserted, err := p.deps.Containers.Create(ctx, container)
		if err != nil {
			return nil, err
		}
		if !inserted {
			// An overlapping attempt tracked this position first; the remote
			// container created here is never published.
			p.logger.Warn("Media container already tracked, dropping duplicate",
				zap.String("task_id", task.ID),
				zap.Int("position", item.Position),
				zap.String("container_id", remoteID))
			continue
		}

		p.logger.Info("Media container created",
			zap.String("task_id", task.ID),
			zap.String("container_id", remoteID),
			zap.String("media_type", string(item.MediaType)))
	}

	if err := p.deps.FollowUps.ScheduleFinalize(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to schedule publish: %w", err)
	}

	return publisher.Publishing("media containers created, waiting for processing"), nil
}

func (p *ContainerPublisher) Publish(ctx context.Context, task *models.PublishTask) (*publisher.Result, error) {
	containers, err := p.deps.Containers.ListByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return publisher.Failed("no media containers found", true), nil
	}

	cred, result, err := p.credential(ctx, task)
	if cred == nil {
		return result, err
	}

	allFinished := true
	for i := range containers {
		c := &containers[i]
		if c.Status == models.ContainerFinished {
			continue
		}
		if c.Status == models.ContainerFailed {
			return p.containerFailed(task, c), nil
		}

		state, err := p.adapter.ContainerStatus(ctx, cred, c.PlatformContainerID)
		if err != nil {
			// Left as is, the next poll asks again.
			p.logger.Warn("Failed to query media container status",
				zap.String("task_id", task.ID),
				zap.String("container_id", c.PlatformContainerID),
				zap.Error(err))
			allFinished = false
			continue
		}

		if state.Status != c.Status || state.Message != c.ErrorMsg {
			if err := p.deps.Containers.UpdateStatus(ctx, c.ID, state.Status, state.Message); err != nil {
				return nil, err
			}
			c.Status = state.Status
			c.ErrorMsg = state.Message
		}

		switch c.Status {
		case models.ContainerFailed:
			return p.containerFailed(task, c), nil
		case models.ContainerFinished:
		default:
			allFinished = false
		}
	}

	if !allFinished {
		return publisher.Publishing("media still processing"), nil
	}

	creationID := containers[0].PlatformContainerID
	if len(containers) > 1 {
		children := make([]string, 0, len(containers))
		for _, c := range containers {
			children = append(children, c.PlatformContainerID)
		}
		creationID, err = p.adapter.CreateCarousel(ctx, cred, task, children)
		if err != nil {
			return p.apiFailure("create carousel container", err)
		}
	}

	postID, err := p.adapter.Publish(ctx, cred, creationID)
	if err != nil {
		return p.apiFailure("publish post", err)
	}

	workLink, err := p.adapter.Permalink(ctx, cred, postID)
	if err != nil {
		p.logger.Warn("Failed to fetch permalink",
			zap.String("task_id", task.ID),
			zap.String("post_id", postID),
			zap.Error(err))
		workLink = ""
	}

	err = p.deps.Recorder.Complete(ctx, task, postID, publisher.CompleteOptions{
		WorkLink: workLink,
		Extra: map[string]interface{}{
			"creation_id": creationID,
			"containers":  len(containers),
		},
	})
	if err != nil {
		// The post is live, retrying would publish it twice.
		p.logger.Error("Failed to record published post",
			zap.String("task_id", task.ID),
			zap.String("post_id", postID),
			zap.Error(err))
		return publisher.Failed(fmt.Sprintf("published as %s but failed to record: %v", postID, err), true), nil
	}

	p.logger.Info("Post published",
		zap.String("task_id", task.ID),
		zap.String("post_id", postID),
		zap.String("work_link", workLink))

	return publisher.Published("published"), nil
}

func (p *ContainerPublisher) containerFailed(task *models.PublishTask, c *models.MediaContainer) *publisher.Result {
	msg := fmt.Sprintf("media container %s failed", c.PlatformContainerID)
	if c.ErrorMsg != "" {
		msg += ": " + c.ErrorMsg
	}
	p.logger.Warn("Media container failed", zap.String("task_id", task.ID), zap.String("reason", msg))
	return publisher.Failed(msg, true)
}

// apiFailure turns a platform error into a terminal result when retrying
// cannot help, otherwise into an error for the queue to retry.
func (p *ContainerPublisher) apiFailure(step string, err error) (*publisher.Result, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return publisher.Failed(fmt.Sprintf("failed to %s: %s", step, apiErr.Error()), true), nil
	}
	return nil, fmt.Errorf("failed to %s: %w", step, err)
}
