package threads

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/meta"
	"github.com/ifuryst/crosspost/internal/store"
	"github.com/ifuryst/crosspost/internal/store/storetest"
)

type fakeGraph struct {
	mu         sync.Mutex
	containers []map[string]string
	published  []string
	status     string
	next       int
}

func (g *fakeGraph) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()

		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/user-1/threads":
			require.NoError(t, r.ParseForm())
			form := map[string]string{}
			for key := range r.PostForm {
				form[key] = r.PostForm.Get(key)
			}
			g.containers = append(g.containers, form)
			g.next++
			fmt.Fprintf(w, `{"id":"c%d"}`, g.next)
		case r.Method == http.MethodPost && r.URL.Path == "/user-1/threads_publish":
			require.NoError(t, r.ParseForm())
			g.published = append(g.published, r.PostForm.Get("creation_id"))
			fmt.Fprint(w, `{"id":"post-9"}`)
		case r.Method == http.MethodGet && r.URL.Query().Get("fields") == "permalink":
			fmt.Fprint(w, `{"id":"post-9","permalink":"https://www.threads.net/@me/post/abc"}`)
		case r.Method == http.MethodGet:
			id := strings.TrimPrefix(r.URL.Path, "/")
			fmt.Fprintf(w, `{"id":%q,"status":%q}`, id, g.status)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"unknown path","code":803}}`)
		}
	})
}

type recorder struct {
	dataID   string
	workLink string
}

func (r *recorder) Complete(_ context.Context, task *models.PublishTask, dataID string, opts publisher.CompleteOptions) error {
	task.Status = models.StatusPublished
	r.dataID = dataID
	r.workLink = opts.WorkLink
	return nil
}

type followUps struct{ count int }

func (f *followUps) ScheduleFinalize(context.Context, *models.PublishTask) error {
	f.count++
	return nil
}

type accounts struct{}

func (accounts) Credential(_ context.Context, _ models.PlatformType, accountID string) (*publisher.Credential, error) {
	if accountID != "acc-1" {
		return nil, publisher.ErrAccountNotFound
	}
	return &publisher.Credential{AccountID: accountID, PlatformUserID: "user-1", AccessToken: "token-1"}, nil
}

func newTask() *models.PublishTask {
	return &models.PublishTask{
		ID:          "task-1",
		UserID:      "u1",
		AccountID:   "acc-1",
		Platform:    models.PlatformThreads,
		Description: "hello",
		Topics:      models.StringArray{"go", "#queue"},
		ImageURLs:   models.StringArray{"https://cdn/a.jpg", "https://cdn/b.jpg"},
		VideoURL:    "https://cdn/c.mp4",
		Options: models.PlatformOptions{
			Threads: &models.ThreadsOptions{ReplyControl: "mentioned_only"},
		},
		Status: models.StatusPublishing,
	}
}

func TestPlan(t *testing.T) {
	a := &adapter{}

	items, err := a.Plan(newTask())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, models.MediaImage, items[0].MediaType)
	assert.Equal(t, models.MediaVideo, items[2].MediaType)
	for i, item := range items {
		assert.Equal(t, i, item.Position)
		assert.True(t, item.CarouselItem)
		assert.Empty(t, item.Caption)
	}

	single := newTask()
	single.ImageURLs = nil
	items, err = a.Plan(single)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].CarouselItem)
	assert.Equal(t, "hello #go #queue", items[0].Caption)

	text := newTask()
	text.ImageURLs = nil
	text.VideoURL = ""
	items, err = a.Plan(text)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.MediaText, items[0].MediaType)

	empty := &models.PublishTask{}
	_, err = a.Plan(empty)
	assert.ErrorIs(t, err, meta.ErrNoContent)

	tooMany := newTask()
	tooMany.ImageURLs = make(models.StringArray, MaxCarouselItems+1)
	_, err = a.Plan(tooMany)
	assert.Error(t, err)
}

func TestCaptionIsTruncated(t *testing.T) {
	task := &models.PublishTask{Description: strings.Repeat("é", MaxCaptionRunes+50)}
	assert.Equal(t, MaxCaptionRunes, len([]rune(caption(task))))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, models.ContainerFinished, mapStatus("FINISHED"))
	assert.Equal(t, models.ContainerFinished, mapStatus("PUBLISHED"))
	assert.Equal(t, models.ContainerFailed, mapStatus("ERROR"))
	assert.Equal(t, models.ContainerFailed, mapStatus("EXPIRED"))
	assert.Equal(t, models.ContainerInProgress, mapStatus("IN_PROGRESS"))
	assert.Equal(t, models.ContainerInProgress, mapStatus(""))
}

func TestPublishCarouselEndToEnd(t *testing.T) {
	graph := &fakeGraph{status: "IN_PROGRESS"}
	srv := httptest.NewServer(graph.handler(t))
	defer srv.Close()

	containers := store.NewContainerStore(storetest.NewDB(t))
	rec := &recorder{}
	follow := &followUps{}
	pub := NewPublisher(NewClient(srv.URL, 0), publisher.Deps{
		Containers: containers,
		Recorder:   rec,
		FollowUps:  follow,
		Accounts:   accounts{},
		Logger:     zap.NewNop(),
	})
	assert.Equal(t, models.PlatformThreads, pub.Platform())

	ctx := context.Background()
	task := newTask()

	res, err := pub.DoPub(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublishing, res.Status)
	assert.Equal(t, 1, follow.count)

	require.Len(t, graph.containers, 3)
	assert.Equal(t, "IMAGE", graph.containers[0]["media_type"])
	assert.Equal(t, "https://cdn/a.jpg", graph.containers[0]["image_url"])
	assert.Equal(t, "true", graph.containers[0]["is_carousel_item"])
	assert.Equal(t, "VIDEO", graph.containers[2]["media_type"])
	assert.Equal(t, "https://cdn/c.mp4", graph.containers[2]["video_url"])

	res, err = pub.Publish(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublishing, res.Status)
	assert.Empty(t, graph.published)

	graph.status = "FINISHED"
	res, err = pub.Publish(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, res.Status)

	require.Len(t, graph.containers, 4)
	carousel := graph.containers[3]
	assert.Equal(t, "CAROUSEL", carousel["media_type"])
	assert.Equal(t, "c1,c2,c3", carousel["children"])
	assert.Equal(t, "hello #go #queue", carousel["text"])
	assert.Equal(t, "mentioned_only", carousel["reply_control"])
	assert.Equal(t, []string{"c4"}, graph.published)

	assert.Equal(t, "post-9", rec.dataID)
	assert.Equal(t, "https://www.threads.net/@me/post/abc", rec.workLink)
}

func TestCreateContainerAPIErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid parameter","type":"OAuthException","code":100,"error_subcode":2207052}}`)
	}))
	defer srv.Close()

	pub := NewPublisher(NewClient(srv.URL, 0), publisher.Deps{
		Containers: store.NewContainerStore(storetest.NewDB(t)),
		Recorder:   &recorder{},
		FollowUps:  &followUps{},
		Accounts:   accounts{},
	})

	res, err := pub.DoPub(context.Background(), newTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.True(t, res.NoRetry)
	assert.Contains(t, res.Message, "Invalid parameter")
}

func TestThrottledAPIErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Application request limit reached","code":4}}`)
	}))
	defer srv.Close()

	pub := NewPublisher(NewClient(srv.URL, 0), publisher.Deps{
		Containers: store.NewContainerStore(storetest.NewDB(t)),
		Recorder:   &recorder{},
		FollowUps:  &followUps{},
		Accounts:   accounts{},
	})

	res, err := pub.DoPub(context.Background(), newTask())
	assert.Nil(t, res)
	assert.Error(t, err)
}
