package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
	"github.com/ifuryst/crosspost/internal/store/storetest"
)

type stubPublisher struct {
	platform models.PlatformType
}

func (p stubPublisher) Platform() models.PlatformType { return p.platform }

func (p stubPublisher) CheckAuth(_ context.Context, accountID string) (*publisher.AuthStatus, error) {
	return &publisher.AuthStatus{Status: 1, TimeoutSeconds: 60}, nil
}

func (p stubPublisher) DoPub(context.Context, *models.PublishTask) (*publisher.Result, error) {
	return publisher.Publishing(""), nil
}

func (p stubPublisher) Publish(context.Context, *models.PublishTask) (*publisher.Result, error) {
	return publisher.Published(""), nil
}

type fakeDispatcher struct {
	tasks     *store.TaskStore
	pushed    []string
	removed   []string
	removeErr error
}

func (d *fakeDispatcher) EnqueuePush(ctx context.Context, task *models.PublishTask) (bool, error) {
	d.pushed = append(d.pushed, task.ID)
	return true, d.tasks.SetQueued(ctx, task.ID, task.ID, true)
}

func (d *fakeDispatcher) RemoveJobs(_ context.Context, taskID string) error {
	d.removed = append(d.removed, taskID)
	return d.removeErr
}

type captured struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captured) Notify(_ context.Context, evt events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

type fixture struct {
	db         *gorm.DB
	tasks      *store.TaskStore
	containers *store.ContainerStore
	dispatcher *fakeDispatcher
	service    *PublishService
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := storetest.NewDB(t)
	f := &fixture{
		db:         db,
		tasks:      store.NewTaskStore(db),
		containers: store.NewContainerStore(db),
		now:        time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.dispatcher = &fakeDispatcher{tasks: f.tasks}

	registry := publisher.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register(stubPublisher{platform: models.PlatformThreads}))
	require.NoError(t, registry.Register(stubPublisher{platform: models.PlatformInstagram}))

	accounts, err := NewConfigAccounts([]config.AccountConfig{
		{ID: "th-1", Platform: "threads", PlatformUserID: "1", AccessToken: "t"},
		{ID: "ig-1", Platform: "instagram", PlatformUserID: "2", AccessToken: "t"},
	})
	require.NoError(t, err)

	f.service = NewPublishService(PublishDeps{
		Tasks:              f.tasks,
		Containers:         f.containers,
		Records:            store.NewRecordStore(db),
		Registry:           registry,
		Accounts:           accounts,
		Dispatcher:         f.dispatcher,
		Logger:             zap.NewNop(),
		ImmediateThreshold: 2 * time.Minute,
	})
	f.service.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) submit(t *testing.T, publishTime *time.Time) *models.PublishTask {
	t.Helper()
	task, err := f.service.Submit(context.Background(), SubmitRequest{
		UserID:      "u1",
		AccountID:   "th-1",
		Platform:    models.PlatformThreads,
		Description: "hello",
		Topics:      []string{"go"},
		PublishTime: publishTime,
	})
	require.NoError(t, err)
	return task
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"unknown platform": {UserID: "u1", AccountID: "th-1", Platform: "myspace", Description: "x"},
		"missing user":     {AccountID: "th-1", Platform: models.PlatformThreads, Description: "x"},
		"empty content":    {UserID: "u1", AccountID: "th-1", Platform: models.PlatformThreads},
		"unknown account":  {UserID: "u1", AccountID: "nobody", Platform: models.PlatformThreads, Description: "x"},
		"instagram text":   {UserID: "u1", AccountID: "ig-1", Platform: models.PlatformInstagram, Description: "x"},
		"reel without video": {
			UserID: "u1", AccountID: "ig-1", Platform: models.PlatformInstagram,
			ImageURLs: []string{"a.jpg"},
			Options:   models.PlatformOptions{Instagram: &models.InstagramOptions{ContentCategory: models.InstagramReel}},
		},
		"story with several images": {
			UserID: "u1", AccountID: "ig-1", Platform: models.PlatformInstagram,
			ImageURLs: []string{"a.jpg", "b.jpg"},
			Options:   models.PlatformOptions{Instagram: &models.InstagramOptions{ContentCategory: models.InstagramStory}},
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Submit(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
	assert.Empty(t, f.dispatcher.pushed)
}

func TestSubmitFillsInstagramCategory(t *testing.T) {
	f := newFixture(t)

	task, err := f.service.Submit(context.Background(), SubmitRequest{
		UserID: "u1", AccountID: "ig-1", Platform: models.PlatformInstagram, VideoURL: "v.mp4",
	})
	require.NoError(t, err)

	stored, err := f.tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Options.Instagram)
	assert.Equal(t, models.InstagramReel, stored.Options.Instagram.ContentCategory)
}

func TestSubmitPushesOnlyImminentTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.submit(t, nil)
	assert.Equal(t, []string{now.ID}, f.dispatcher.pushed)
	stored, err := f.tasks.Get(ctx, now.ID)
	require.NoError(t, err)
	assert.True(t, stored.InQueue)
	assert.Equal(t, models.StatusWaitingForPublish, stored.Status)

	later := f.now.Add(time.Hour)
	future := f.submit(t, &later)
	assert.Len(t, f.dispatcher.pushed, 1)

	stored, err = f.tasks.Get(ctx, future.ID)
	require.NoError(t, err)
	assert.False(t, stored.InQueue)
}

func TestSchedulerPushesDueTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	soon := f.now.Add(5 * time.Minute)
	due := f.submit(t, &soon)
	far := f.now.Add(3 * time.Hour)
	f.submit(t, &far)
	require.Empty(t, f.dispatcher.pushed)

	enabled := true
	scheduler := NewScheduler(&config.SchedulerConfig{Enabled: &enabled, Cron: "* * * * *", QueryWindow: "10m"}, f.tasks, f.service, zap.NewNop())
	scheduler.now = func() time.Time { return f.now }

	pushed, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pushed)
	assert.Equal(t, []string{due.ID}, f.dispatcher.pushed)

	// Queued tasks are not pushed twice.
	pushed, err = scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, pushed)
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)

	disabled := false
	scheduler := NewScheduler(&config.SchedulerConfig{Enabled: &disabled, QueryWindow: "1m"}, f.tasks, f.service, zap.NewNop())
	require.NoError(t, scheduler.Start(context.Background()))
	scheduler.Stop()

	enabled := true
	scheduler = NewScheduler(&config.SchedulerConfig{Enabled: &enabled, Cron: "not a cron", QueryWindow: "1m"}, f.tasks, f.service, zap.NewNop())
	assert.Error(t, scheduler.Start(context.Background()))

	scheduler = NewScheduler(&config.SchedulerConfig{Enabled: &enabled, Cron: "@every 1h", QueryWindow: "1m"}, f.tasks, f.service, zap.NewNop())
	require.NoError(t, scheduler.Start(context.Background()))
	scheduler.Stop()
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.submit(t, nil)

	assert.ErrorIs(t, f.service.Delete(ctx, task.ID, "someone-else"), ErrForbidden)

	f.dispatcher.removeErr = queue.ErrJobActive
	assert.ErrorIs(t, f.service.Delete(ctx, task.ID, "u1"), ErrTaskBusy)

	f.dispatcher.removeErr = nil
	require.NoError(t, f.service.Delete(ctx, task.ID, "u1"))
	_, err := f.tasks.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePublishTimeAndPublishNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	later := f.now.Add(time.Hour)
	task := f.submit(t, &later)

	evenLater := f.now.Add(2 * time.Hour)
	updated, err := f.service.UpdatePublishTime(ctx, task.ID, "u1", evenLater)
	require.NoError(t, err)
	assert.True(t, updated.PublishTime.Equal(evenLater))
	assert.Equal(t, []string{task.ID}, f.dispatcher.removed)
	assert.Empty(t, f.dispatcher.pushed)

	published, err := f.service.PublishNow(ctx, task.ID, "u1")
	require.NoError(t, err)
	assert.True(t, published.PublishTime.Equal(f.now))
	assert.Equal(t, []string{task.ID}, f.dispatcher.pushed)

	require.NoError(t, f.tasks.UpdateStatus(ctx, task.ID, models.StatusPublishing, ""))
	_, err = f.service.PublishNow(ctx, task.ID, "u1")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.service.UpdatePublishTime(ctx, task.ID, "u1", later)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRetryResetsFailedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.submit(t, nil)

	_, err := f.service.Retry(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.containers.Create(ctx, &models.MediaContainer{
		ID: "c1", PublishTaskID: task.ID, AccountID: "th-1", Platform: models.PlatformThreads,
		PlatformContainerID: "r1", Status: models.ContainerFailed,
	})
	require.NoError(t, err)
	require.NoError(t, f.tasks.MarkFailed(ctx, task.ID, "media failed"))

	retried, err := f.service.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingForPublish, retried.Status)
	assert.Equal(t, []string{task.ID, task.ID}, f.dispatcher.pushed)

	stored, err := f.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ErrorMsg)
	containers, err := f.containers.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, containers)
}

func TestRecorderCompleteAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.submit(t, nil)

	_, err := f.containers.Create(ctx, &models.MediaContainer{
		ID: "c1", PublishTaskID: task.ID, AccountID: "th-1", Platform: models.PlatformThreads,
		PlatformContainerID: "r1", Status: models.ContainerFinished,
	})
	require.NoError(t, err)

	notified := &captured{}
	recorder := NewRecorder(f.tasks, notified, zap.NewNop())

	opts := publisher.CompleteOptions{WorkLink: "https://www.threads.net/@me/post/1", Extra: map[string]interface{}{"creation_id": "r1"}}
	require.NoError(t, recorder.Complete(ctx, task, "post-1", opts))
	assert.Equal(t, models.StatusPublished, task.Status)

	_, err = f.tasks.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	containers, err := f.containers.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, containers)

	// A replayed completion keeps the first record.
	require.NoError(t, recorder.Complete(ctx, task, "post-2", publisher.CompleteOptions{}))
	var count int64
	require.NoError(t, f.db.Model(&models.PublishRecord{}).Where("task_id = ?", task.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	status, err := f.service.GetStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, status.Status)
	require.NotNil(t, status.Record)
	assert.Equal(t, "post-1", status.Record.DataID)
	assert.Equal(t, opts.WorkLink, status.Record.WorkLink)

	require.Len(t, notified.events, 2)
	assert.Equal(t, events.TaskCompleted, notified.events[0].Type)
	assert.Equal(t, "post-1", notified.events[0].DataID)

	_, err = f.service.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckAuth(t *testing.T) {
	f := newFixture(t)

	status, err := f.service.CheckAuth(context.Background(), models.PlatformThreads, "th-1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Status)

	_, err = f.service.CheckAuth(context.Background(), "myspace", "x")
	assert.ErrorIs(t, err, publisher.ErrPublisherNotFound)
}

func TestConfigAccounts(t *testing.T) {
	accounts, err := NewConfigAccounts([]config.AccountConfig{
		{ID: "a", Platform: "threads", AccessToken: "t", ExpiresAt: "2030-01-01T00:00:00Z"},
	})
	require.NoError(t, err)

	cred, err := accounts.Credential(context.Background(), models.PlatformThreads, "a")
	require.NoError(t, err)
	assert.Equal(t, 2030, cred.ExpiresAt.Year())

	_, err = accounts.Credential(context.Background(), models.PlatformInstagram, "a")
	assert.True(t, errors.Is(err, publisher.ErrAccountNotFound))

	_, err = NewConfigAccounts([]config.AccountConfig{{ID: "a", Platform: "myspace"}})
	assert.Error(t, err)
	_, err = NewConfigAccounts([]config.AccountConfig{{ID: "a", Platform: "threads"}, {ID: "a", Platform: "threads"}})
	assert.Error(t, err)
}

func TestMonitoringService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	monitoring := NewMonitoringService(f.db, zap.NewNop())

	task := &models.PublishTask{ID: "t1", AccountID: "acc", Platform: models.PlatformInstagram}
	require.NoError(t, monitoring.RecordError(ctx, LevelError, "worker", "Publish task failed", "boom",
		WithTask(task), WithContext(map[string]interface{}{"attempts_made": 3})))

	logs, err := monitoring.GetRecentErrors(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "instagram", logs[0].PlatformName)
	assert.JSONEq(t, `{"attempts_made":3}`, logs[0].Context)

	require.NoError(t, monitoring.ResolveError(ctx, logs[0].ID))
	logs, err = monitoring.GetRecentErrors(ctx, 10, true)
	require.NoError(t, err)
	assert.Empty(t, logs)

	assert.ErrorIs(t, monitoring.ResolveError(ctx, 9999), ErrNotFound)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	auth := NewAuthService(zap.NewNop(), "")
	secret, err := auth.GenerateSecret()
	require.NoError(t, err)

	auth = NewAuthService(zap.NewNop(), secret)
	router := gin.New()
	router.GET("/admin", auth.AuthMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(OTPHeader, code)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	open := NewAuthService(zap.NewNop(), "")
	router = gin.New()
	router.GET("/admin", open.AuthMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
