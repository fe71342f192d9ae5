package meta

import (
	"context"
	"errors"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// ErrNoContent is returned by Plan when a task has nothing to publish.
var ErrNoContent = errors.New("no media or text to publish")

// Item is one media container to create for a task.
type Item struct {
	MediaType models.MediaType
	// Kind is a platform specific media_type override, e.g. REELS or STORIES.
	Kind         string
	URL          string
	Caption      string
	CarouselItem bool
	Position     int
}

// RemoteState is the container state reported by the platform.
type RemoteState struct {
	Status  models.ContainerStatus
	Message string
}

// Adapter is the platform half of the container flow. It plans the
// containers of a task and speaks the platform API.
type Adapter interface {
	Platform() models.PlatformType
	Plan(task *models.PublishTask) ([]Item, error)
	CreateItem(ctx context.Context, cred *publisher.Credential, task *models.PublishTask, item Item) (string, error)
	ContainerStatus(ctx context.Context, cred *publisher.Credential, containerID string) (*RemoteState, error)
	CreateCarousel(ctx context.Context, cred *publisher.Credential, task *models.PublishTask, children []string) (string, error)
	Publish(ctx context.Context, cred *publisher.Credential, creationID string) (string, error)
	Permalink(ctx context.Context, cred *publisher.Credential, postID string) (string, error)
}
