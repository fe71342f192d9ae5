package threads

import (
	"context"
	"fmt"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/meta"
	"github.com/ifuryst/crosspost/pkg/util"
)

const (
	MaxCaptionRunes  = 500
	MaxCarouselItems = 20
)

type adapter struct {
	client *Client
}

// NewPublisher returns the Threads publisher backed by client.
func NewPublisher(client *Client, deps publisher.Deps) *meta.ContainerPublisher {
	return meta.NewContainerPublisher(&adapter{client: client}, deps)
}

func (a *adapter) Platform() models.PlatformType {
	return models.PlatformThreads
}

func caption(task *models.PublishTask) string {
	return util.TruncateRunes(util.BuildCaption(task.Description, task.Topics), MaxCaptionRunes)
}

// Plan creates one item per image followed by the video. Text only posts
// become a single TEXT container.
func (a *adapter) Plan(task *models.PublishTask) ([]meta.Item, error) {
	text := caption(task)

	var items []meta.Item
	for _, imageURL := range task.ImageURLs {
		items = append(items, meta.Item{MediaType: models.MediaImage, URL: imageURL})
	}
	if task.VideoURL != "" {
		items = append(items, meta.Item{MediaType: models.MediaVideo, URL: task.VideoURL})
	}

	switch {
	case len(items) == 0 && text == "":
		return nil, meta.ErrNoContent
	case len(items) == 0:
		return []meta.Item{{MediaType: models.MediaText, Caption: text}}, nil
	case len(items) > MaxCarouselItems:
		return nil, fmt.Errorf("threads carousel supports at most %d items, got %d", MaxCarouselItems, len(items))
	}

	for i := range items {
		items[i].Position = i
		if len(items) > 1 {
			items[i].CarouselItem = true
		} else {
			items[i].Caption = text
		}
	}
	return items, nil
}

func (a *adapter) CreateItem(ctx context.Context, cred *publisher.Credential, task *models.PublishTask, item meta.Item) (string, error) {
	req := ContainerRequest{
		MediaType:      string(item.MediaType),
		Text:           item.Caption,
		IsCarouselItem: item.CarouselItem,
	}
	switch item.MediaType {
	case models.MediaImage:
		req.ImageURL = item.URL
	case models.MediaVideo:
		req.VideoURL = item.URL
	}
	if !item.CarouselItem {
		applyOptions(&req, task)
	}
	return a.client.CreateContainer(ctx, cred.AccessToken, cred.PlatformUserID, req)
}

func applyOptions(req *ContainerRequest, task *models.PublishTask) {
	if opts := task.Options.Threads; opts != nil {
		req.ReplyControl = opts.ReplyControl
		req.LocationID = opts.LocationID
	}
}

func (a *adapter) ContainerStatus(ctx context.Context, cred *publisher.Credential, containerID string) (*meta.RemoteState, error) {
	info, err := a.client.GetObject(ctx, cred.AccessToken, containerID, "status", "error_message")
	if err != nil {
		return nil, err
	}
	return &meta.RemoteState{Status: mapStatus(info.Status), Message: info.ErrorMessage}, nil
}

func mapStatus(status string) models.ContainerStatus {
	switch status {
	case "FINISHED", "PUBLISHED":
		return models.ContainerFinished
	case "ERROR", "EXPIRED", "FAILED":
		return models.ContainerFailed
	default:
		return models.ContainerInProgress
	}
}

func (a *adapter) CreateCarousel(ctx context.Context, cred *publisher.Credential, task *models.PublishTask, children []string) (string, error) {
	req := ContainerRequest{
		MediaType: MediaTypeCarousel,
		Text:      caption(task),
		Children:  children,
	}
	applyOptions(&req, task)
	return a.client.CreateContainer(ctx, cred.AccessToken, cred.PlatformUserID, req)
}

func (a *adapter) Publish(ctx context.Context, cred *publisher.Credential, creationID string) (string, error) {
	return a.client.PublishContainer(ctx, cred.AccessToken, cred.PlatformUserID, creationID)
}

func (a *adapter) Permalink(ctx context.Context, cred *publisher.Credential, postID string) (string, error) {
	info, err := a.client.GetObject(ctx, cred.AccessToken, postID, "permalink")
	if err != nil {
		return "", err
	}
	return info.Permalink, nil
}
