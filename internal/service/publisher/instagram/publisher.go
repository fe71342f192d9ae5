package instagram

import (
	"context"
	"errors"
	"fmt"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/meta"
	"github.com/ifuryst/crosspost/pkg/util"
)

const (
	MaxCaptionRunes  = 2200
	MaxCarouselItems = 10
)

var (
	ErrTextOnly       = errors.New("instagram does not support text only posts")
	ErrReelNeedsVideo = errors.New("instagram reels need a video")
	ErrStoryNeedsOne  = errors.New("instagram stories take exactly one image or video")
)

type adapter struct {
	client *Client
}

// NewPublisher returns the Instagram publisher backed by client.
func NewPublisher(client *Client, deps publisher.Deps) *meta.ContainerPublisher {
	return meta.NewContainerPublisher(&adapter{client: client}, deps)
}

func (a *adapter) Platform() models.PlatformType {
	return models.PlatformInstagram
}

// ContentCategory returns the configured category of task, defaulting to a
// reel when the task has a video and to a feed post otherwise.
func ContentCategory(task *models.PublishTask) string {
	if opts := task.Options.Instagram; opts != nil && opts.ContentCategory != "" {
		return opts.ContentCategory
	}
	if task.VideoURL != "" {
		return models.InstagramReel
	}
	return models.InstagramPost
}

func caption(task *models.PublishTask) string {
	return util.TruncateRunes(util.BuildCaption(task.Description, task.Topics), MaxCaptionRunes)
}

func mediaCount(task *models.PublishTask) int {
	n := len(task.ImageURLs)
	if task.VideoURL != "" {
		n++
	}
	return n
}

// ValidateCategory reports whether task's media fits category.
func ValidateCategory(task *models.PublishTask, category string) error {
	switch category {
	case models.InstagramReel:
		if task.VideoURL == "" {
			return ErrReelNeedsVideo
		}
	case models.InstagramStory:
		if n := mediaCount(task); n != 1 {
			return fmt.Errorf("%w, got %d", ErrStoryNeedsOne, n)
		}
	}
	return nil
}

func (a *adapter) Plan(task *models.PublishTask) ([]meta.Item, error) {
	if !task.HasMedia() {
		if caption(task) != "" {
			return nil, ErrTextOnly
		}
		return nil, meta.ErrNoContent
	}

	text := caption(task)
	switch category := ContentCategory(task); category {
	case models.InstagramReel:
		if err := ValidateCategory(task, category); err != nil {
			return nil, err
		}
		return []meta.Item{{MediaType: models.MediaVideo, Kind: MediaTypeReels, URL: task.VideoURL, Caption: text}}, nil

	case models.InstagramStory:
		if err := ValidateCategory(task, category); err != nil {
			return nil, err
		}
		if task.VideoURL != "" {
			return []meta.Item{{MediaType: models.MediaVideo, Kind: MediaTypeStories, URL: task.VideoURL}}, nil
		}
		return []meta.Item{{MediaType: models.MediaImage, Kind: MediaTypeStories, URL: task.ImageURLs[0]}}, nil

	case models.InstagramPost:
		var items []meta.Item
		for _, imageURL := range task.ImageURLs {
			items = append(items, meta.Item{MediaType: models.MediaImage, Kind: MediaTypeImage, URL: imageURL})
		}
		if task.VideoURL != "" {
			items = append(items, meta.Item{MediaType: models.MediaVideo, Kind: MediaTypeVideo, URL: task.VideoURL})
		}
		if len(items) > MaxCarouselItems {
			return nil, fmt.Errorf("instagram carousel supports at most %d items, got %d", MaxCarouselItems, len(items))
		}
		if len(items) == 1 {
			items[0].Caption = text
			if items[0].MediaType == models.MediaVideo {
				// Standalone feed videos are published as reels.
				items[0].Kind = MediaTypeReels
			}
			return items, nil
		}
		for i := range items {
			items[i].Position = i
			items[i].CarouselItem = true
		}
		return items, nil

	default:
		return nil, fmt.Errorf("unknown instagram content category %q", category)
	}
}

func (a *adapter) CreateItem(ctx context.Context, cred *publisher.Credential, task *models.PublishTask, item meta.Item) (string, error) {
	req := ContainerRequest{
		MediaType:      item.Kind,
		Caption:        item.Caption,
		IsCarouselItem: item.CarouselItem,
	}
	switch item.MediaType {
	case models.MediaImage:
		req.ImageURL = item.URL
	case models.MediaVideo:
		req.VideoURL = item.URL
	}
	if item.Kind == MediaTypeReels {
		req.CoverURL = task.CoverURL
		if opts := task.Options.Instagram; opts != nil {
			req.ShareToFeed = opts.ShareToFeed
		}
	}
	return a.client.CreateContainer(ctx, cred.AccessToken, cred.PlatformUserID, req)
}

func (a *adapter) ContainerStatus(ctx context.Context, cred *publisher.Credential, containerID string) (*meta.RemoteState, error) {
	info, err := a.client.GetObject(ctx, cred.AccessToken, containerID, "status_code", "status")
	if err != nil {
		return nil, err
	}
	state := &meta.RemoteState{Status: mapStatus(info.StatusCode)}
	if state.Status == models.ContainerFailed {
		state.Message = info.Status
	}
	return state, nil
}

func mapStatus(code string) models.ContainerStatus {
	switch code {
	case "FINISHED", "PUBLISHED":
		return models.ContainerFinished
	case "ERROR", "EXPIRED":
		return models.ContainerFailed
	default:
		return models.ContainerInProgress
	}
}

func (a *adapter) CreateCarousel(ctx context.Context, cred *publisher.Credential, task *models.PublishTask, children []string) (string, error) {
	return a.client.CreateContainer(ctx, cred.AccessToken, cred.PlatformUserID, ContainerRequest{
		MediaType: MediaTypeCarousel,
		Caption:   caption(task),
		Children:  children,
	})
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
