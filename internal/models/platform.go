package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// PlatformType identifies the external platform a task is published to.
type PlatformType string

const (
	PlatformThreads   PlatformType = "threads"
	PlatformInstagram PlatformType = "instagram"
)

func (p PlatformType) Valid() bool {
	switch p {
	case PlatformThreads, PlatformInstagram:
		return true
	}
	return false
}

// Instagram content categories
const (
	InstagramPost  = "post"
	InstagramReel  = "reel"
	InstagramStory = "story"
)

// ThreadsOptions are the Threads specific publish options.
type ThreadsOptions struct {
	ReplyControl string `json:"reply_control,omitempty"` // everyone, accounts_you_follow, mentioned_only
	LocationID   string `json:"location_id,omitempty"`
}

// InstagramOptions are the Instagram specific publish options.
type InstagramOptions struct {
	ContentCategory string `json:"content_category,omitempty"`
	ShareToFeed     *bool  `json:"share_to_feed,omitempty"`
}

// PlatformOptions is keyed by platform; only the entry matching the task's
// platform is read.
type PlatformOptions struct {
	Threads   *ThreadsOptions   `json:"threads,omitempty"`
	Instagram *InstagramOptions `json:"instagram,omitempty"`
}

func (o *PlatformOptions) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*o = PlatformOptions{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into PlatformOptions", value)
	}

	if len(raw) == 0 {
		*o = PlatformOptions{}
		return nil
	}
	return json.Unmarshal(raw, o)
}

func (o PlatformOptions) Value() (driver.Value, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
