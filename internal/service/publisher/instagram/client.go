package instagram

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ifuryst/crosspost/internal/service/publisher/meta"
)

const DefaultBaseURL = "https://graph.facebook.com/v23.0"

const (
	MediaTypeImage    = "IMAGE"
	MediaTypeVideo    = "VIDEO"
	MediaTypeReels    = "REELS"
	MediaTypeStories  = "STORIES"
	MediaTypeCarousel = "CAROUSEL"
)

// ContainerRequest holds the parameters of POST /{ig-user-id}/media.
type ContainerRequest struct {
	MediaType      string
	ImageURL       string
	VideoURL       string
	CoverURL       string
	Caption        string
	IsCarouselItem bool
	Children       []string
	ShareToFeed    *bool
}

func (r ContainerRequest) form() url.Values {
	form := url.Values{}
	// Single feed images are created without media_type.
	if r.MediaType != "" && r.MediaType != MediaTypeImage {
		form.Set("media_type", r.MediaType)
	}
	if r.ImageURL != "" {
		form.Set("image_url", r.ImageURL)
	}
	if r.VideoURL != "" {
		form.Set("video_url", r.VideoURL)
	}
	if r.CoverURL != "" {
		form.Set("cover_url", r.CoverURL)
	}
	if r.Caption != "" {
		form.Set("caption", r.Caption)
	}
	if r.IsCarouselItem {
		form.Set("is_carousel_item", "true")
	}
	if len(r.Children) > 0 {
		form.Set("children", strings.Join(r.Children, ","))
	}
	if r.ShareToFeed != nil {
		form.Set("share_to_feed", strconv.FormatBool(*r.ShareToFeed))
	}
	return form
}

type idResponse struct {
	ID string `json:"id"`
}

type ObjectInfo struct {
	ID         string `json:"id"`
	StatusCode string `json:"status_code"`
	Status     string `json:"status"`
	Permalink  string `json:"permalink"`
}

// Client talks to the Instagram Graph API.
type Client struct {
	graph *meta.GraphClient
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{graph: meta.NewGraphClient(baseURL, timeout)}
}

func (c *Client) CreateContainer(ctx context.Context, token, userID string, req ContainerRequest) (string, error) {
	var resp idResponse
	if err := c.graph.Post(ctx, token, userID+"/media", req.form(), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) PublishContainer(ctx context.Context, token, userID, creationID string) (string, error) {
	var resp idResponse
	form := url.Values{"creation_id": {creationID}}
	if err := c.graph.Post(ctx, token, userID+"/media_publish", form, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) GetObject(ctx context.Context, token, objectID string, fields ...string) (*ObjectInfo, error) {
	var info ObjectInfo
	query := url.Values{"fields": {strings.Join(fields, ",")}}
	if err := c.graph.Get(ctx, token, objectID, query, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
