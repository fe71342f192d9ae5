package threads

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ifuryst/crosspost/internal/service/publisher/meta"
)

const DefaultBaseURL = "https://graph.threads.net/v1.0"

// Container media types accepted by POST /{user}/threads.
const (
	MediaTypeText     = "TEXT"
	MediaTypeImage    = "IMAGE"
	MediaTypeVideo    = "VIDEO"
	MediaTypeCarousel = "CAROUSEL"
)

// ContainerRequest holds the parameters of a container creation call.
type ContainerRequest struct {
	MediaType      string
	Text           string
	ImageURL       string
	VideoURL       string
	IsCarouselItem bool
	Children       []string
	ReplyControl   string
	LocationID     string
}

func (r ContainerRequest) form() url.Values {
	form := url.Values{}
	form.Set("media_type", r.MediaType)
	if r.Text != "" {
		form.Set("text", r.Text)
	}
	if r.ImageURL != "" {
		form.Set("image_url", r.ImageURL)
	}
	if r.VideoURL != "" {
		form.Set("video_url", r.VideoURL)
	}
	if r.IsCarouselItem {
		form.Set("is_carousel_item", "true")
	}
	if len(r.Children) > 0 {
		form.Set("children", strings.Join(r.Children, ","))
	}
	if r.ReplyControl != "" {
		form.Set("reply_control", r.ReplyControl)
	}
	if r.LocationID != "" {
		form.Set("location_id", r.LocationID)
	}
	return form
}

type idResponse struct {
	ID string `json:"id"`
}

// ObjectInfo is the subset of object fields read back from the API.
type ObjectInfo struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Permalink    string `json:"permalink"`
}

// Client talks to the Threads Graph API.
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
	if err := c.graph.Post(ctx, token, userID+"/threads", req.form(), &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) PublishContainer(ctx context.Context, token, userID, creationID string) (string, error) {
	var resp idResponse
	form := url.Values{"creation_id": {creationID}}
	if err := c.graph.Post(ctx, token, userID+"/threads_publish", form, &resp); err != nil {
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
