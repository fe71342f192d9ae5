package publisher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

var (
	// ErrPublisherNotFound is returned by the registry for unknown platforms.
	ErrPublisherNotFound = errors.New("publisher not found")

	// ErrAccountNotFound is returned when no credential exists for an account.
	ErrAccountNotFound = errors.New("account not found")
)

// Result is the outcome of DoPub or Publish.
type Result struct {
	Status  models.PublishStatus `json:"status"`
	Message string               `json:"message"`
	// NoRetry marks a failure that retrying cannot fix.
	NoRetry bool `json:"no_retry,omitempty"`
}

func Publishing(message string) *Result {
	return &Result{Status: models.StatusPublishing, Message: message}
}

func Published(message string) *Result {
	return &Result{Status: models.StatusPublished, Message: message}
}

func Failed(message string, noRetry bool) *Result {
	return &Result{Status: models.StatusFailed, Message: message, NoRetry: noRetry}
}

// AuthStatus reports whether an account can publish. Status is 1 when it can.
type AuthStatus struct {
	Status         int   `json:"status"`
	TimeoutSeconds int64 `json:"timeout,omitempty"`
}

// Publisher is implemented once per platform.
//
// DoPub starts the multi stage publish: it creates whatever the platform
// needs ahead of the post and schedules the follow-up Publish. Publish is
// re-invoked by the queue until it returns Published or a terminal failure.
type Publisher interface {
	Platform() models.PlatformType
	CheckAuth(ctx context.Context, accountID string) (*AuthStatus, error)
	DoPub(ctx context.Context, task *models.PublishTask) (*Result, error)
	Publish(ctx context.Context, task *models.PublishTask) (*Result, error)
}

// ContainerTracker persists platform media containers.
type ContainerTracker interface {
	// Create reports false when the task already has a container at the
	// same position.
	Create(ctx context.Context, container *models.MediaContainer) (bool, error)
	ListByTask(ctx context.Context, taskID string) ([]models.MediaContainer, error)
	UpdateStatus(ctx context.Context, id string, status models.ContainerStatus, errMsg string) error
}

// CompleteOptions carries the optional result fields of a publish.
type CompleteOptions struct {
	WorkLink string
	Extra    map[string]interface{}
}

// Recorder turns a published task into a durable record.
type Recorder interface {
	Complete(ctx context.Context, task *models.PublishTask, dataID string, opts CompleteOptions) error
}

// FollowUpScheduler enqueues the Publish stage of a task.
type FollowUpScheduler interface {
	ScheduleFinalize(ctx context.Context, task *models.PublishTask) error
}

// Credential is what a platform client needs to act for an account.
type Credential struct {
	AccountID      string
	PlatformUserID string
	AccessToken    string
	ExpiresAt      time.Time
}

// Expired reports whether the credential is past its expiry. A zero
// ExpiresAt never expires.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type AccountResolver interface {
	Credential(ctx context.Context, platform models.PlatformType, accountID string) (*Credential, error)
}

// Deps are the collaborators shared by every platform publisher.
type Deps struct {
	Containers ContainerTracker
	Recorder   Recorder
	FollowUps  FollowUpScheduler
	Accounts   AccountResolver
	Logger     *zap.Logger
}
