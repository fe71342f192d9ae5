package meta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

type fakeAdapter struct {
	mu sync.Mutex

	planErr      error
	createErr    error
	statuses     map[string]models.ContainerStatus
	statusErr    error
	permalinkErr error
	publishErr   error

	created   []Item
	carousels [][]string
	published []string
}

func (f *fakeAdapter) Platform() models.PlatformType { return models.PlatformThreads }

func (f *fakeAdapter) Plan(task *models.PublishTask) ([]Item, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	var items []Item
	for i, url := range task.ImageURLs {
		items = append(items, Item{MediaType: models.MediaImage, URL: url, Position: i, CarouselItem: len(task.ImageURLs) > 1})
	}
	if len(items) == 0 {
		return nil, ErrNoContent
	}
	return items, nil
}

func (f *fakeAdapter) CreateItem(_ context.Context, _ *publisher.Credential, _ *models.PublishTask, item Item) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, item)
	return fmt.Sprintf("remote-%d", item.Position), nil
}

func (f *fakeAdapter) ContainerStatus(_ context.Context, _ *publisher.Credential, id string) (*RemoteState, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status, ok := f.statuses[id]
	if !ok {
		status = models.ContainerInProgress
	}
	state := &RemoteState{Status: status}
	if status == models.ContainerFailed {
		state.Message = "unsupported format"
	}
	return state, nil
}

func (f *fakeAdapter) CreateCarousel(_ context.Context, _ *publisher.Credential, _ *models.PublishTask, children []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.carousels = append(f.carousels, children)
	return "carousel-1", nil
}

func (f *fakeAdapter) Publish(_ context.Context, _ *publisher.Credential, creationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.published = append(f.published, creationID)
	return "post-1", nil
}

func (f *fakeAdapter) Permalink(context.Context, *publisher.Credential, string) (string, error) {
	if f.permalinkErr != nil {
		return "", f.permalinkErr
	}
	return "https://www.threads.net/@me/post/1", nil
}

type fakeTracker struct {
	mu         sync.Mutex
	containers []models.MediaContainer
}

func (f *fakeTracker) Create(_ context.Context, c *models.MediaContainer) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.containers {
		if existing.PublishTaskID == c.PublishTaskID && existing.Position == c.Position {
			return false, nil
		}
	}
	f.containers = append(f.containers, *c)
	return true, nil
}

func (f *fakeTracker) ListByTask(_ context.Context, taskID string) ([]models.MediaContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MediaContainer
	for _, c := range f.containers {
		if c.PublishTaskID == taskID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeTracker) UpdateStatus(_ context.Context, id string, status models.ContainerStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.containers {
		if f.containers[i].ID == id {
			f.containers[i].Status = status
			f.containers[i].ErrorMsg = errMsg
			return nil
		}
	}
	return errors.New("not found")
}

type completion struct {
	taskID string
	dataID string
	opts   publisher.CompleteOptions
}

type fakeRecorder struct {
	calls []completion
	err   error
}

func (f *fakeRecorder) Complete(_ context.Context, task *models.PublishTask, dataID string, opts publisher.CompleteOptions) error {
	if f.err != nil {
		return f.err
	}
	task.Status = models.StatusPublished
	f.calls = append(f.calls, completion{taskID: task.ID, dataID: dataID, opts: opts})
	return nil
}

type fakeFollowUps struct {
	mu        sync.Mutex
	scheduled []string
}

func (f *fakeFollowUps) ScheduleFinalize(_ context.Context, task *models.PublishTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, task.ID)
	return nil
}

type fakeAccounts struct {
	creds map[string]*publisher.Credential
}

func (f *fakeAccounts) Credential(_ context.Context, _ models.PlatformType, accountID string) (*publisher.Credential, error) {
	cred, ok := f.creds[accountID]
	if !ok {
		return nil, publisher.ErrAccountNotFound
	}
	return cred, nil
}

type fixture struct {
	adapter   *fakeAdapter
	tracker   *fakeTracker
	recorder  *fakeRecorder
	followUps *fakeFollowUps
	accounts  *fakeAccounts
	publisher *ContainerPublisher
}

func newFixture() *fixture {
	f := &fixture{
		adapter:   &fakeAdapter{statuses: map[string]models.ContainerStatus{}},
		tracker:   &fakeTracker{},
		recorder:  &fakeRecorder{},
		followUps: &fakeFollowUps{},
		accounts: &fakeAccounts{creds: map[string]*publisher.Credential{
			"acc-1": {AccountID: "acc-1", PlatformUserID: "user-1", AccessToken: "token"},
		}},
	}
	f.publisher = NewContainerPublisher(f.adapter, publisher.Deps{
		Containers: f.tracker,
		Recorder:   f.recorder,
		FollowUps:  f.followUps,
		Accounts:   f.accounts,
		Logger:     zap.NewNop(),
	})
	return f
}

func (f *fixture) seed(taskID string, statuses ...models.ContainerStatus) {
	for i, status := range statuses {
		f.tracker.containers = append(f.tracker.containers, models.MediaContainer{
			ID:                  fmt.Sprintf("c%d", i),
			PublishTaskID:       taskID,
			AccountID:           "acc-1",
			Platform:            models.PlatformThreads,
			PlatformContainerID: fmt.Sprintf("remote-%d", i),
			Position:            i,
			Status:              status,
		})
	}
}

func testTask(images ...string) *models.PublishTask {
	return &models.PublishTask{
		ID:        "task-1",
		UserID:    "u1",
		AccountID: "acc-1",
		Platform:  models.PlatformThreads,
		ImageURLs: images,
		Status:    models.StatusPublishing,
	}
}

func TestDoPubCreatesContainersAndSchedulesPublish(t *testing.T) {
	f := newFixture()
	task := testTask("a.jpg", "b.jpg")

	res, err := f.publisher.DoPub(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublishing, res.Status)

	require.Len(t, f.tracker.containers, 2)
	for i, c := range f.tracker.containers {
		assert.Equal(t, models.ContainerCreated, c.Status)
		assert.Equal(t, fmt.Sprintf("remote-%d", i), c.PlatformContainerID)
		assert.Equal(t, i, c.Position)
	}
	assert.Equal(t, []string{"task-1"}, f.followUps.scheduled)

	// A second run only reschedules.
	res, err = f.publisher.DoPub(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublishing, res.Status)
	assert.Len(t, f.tracker.containers, 2)
	assert.Len(t, f.adapter.created, 2)
}

// gatedAdapter holds every CreateItem call until the test releases it, so
// two DoPub runs can be made to overlap.
type gatedAdapter struct {
	*fakeAdapter

	mu      sync.Mutex
	calls   int
	entered chan int
	release []chan struct{}
}

func (g *gatedAdapter) CreateItem(_ context.Context, _ *publisher.Credential, _ *models.PublishTask, item Item) (string, error) {
	g.mu.Lock()
	call := g.calls
	g.calls++
	g.mu.Unlock()

	g.entered <- call
	<-g.release[call]
	return fmt.Sprintf("remote-%d-run-%d", item.Position, call), nil
}

func TestDoPubOverlappingRunsTrackOneContainerPerPosition(t *testing.T) {
	f := newFixture()
	gate := &gatedAdapter{
		fakeAdapter: f.adapter,
		entered:     make(chan int, 2),
		release:     []chan struct{}{make(chan struct{}), make(chan struct{})},
	}
	pub := NewContainerPublisher(gate, publisher.Deps{
		Containers: f.tracker,
		Recorder:   f.recorder,
		FollowUps:  f.followUps,
		Accounts:   f.accounts,
		Logger:     zap.NewNop(),
	})
	ctx := context.Background()

	// A timed out push keeps running while its retry starts.
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := pub.DoPub(ctx, testTask("a.jpg"))
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-gate.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("DoPub runs did not overlap")
		}
	}

	for i := 0; i < 2; i++ {
		close(gate.release[i])
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("DoPub did not return")
		}
	}

	containers, err := f.tracker.ListByTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "remote-0-run-0", containers[0].PlatformContainerID)

	f.adapter.statuses["remote-0-run-0"] = models.ContainerFinished
	res, err := pub.Publish(ctx, testTask("a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, res.Status)
	assert.Empty(t, f.adapter.carousels)
	assert.Equal(t, []string{"remote-0-run-0"}, f.adapter.published)
}

func TestDoPubMissingMediaIsTerminal(t *testing.T) {
	f := newFixture()

	res, err := f.publisher.DoPub(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.True(t, res.NoRetry)
	assert.Empty(t, f.followUps.scheduled)
}

func TestDoPubUnknownAccountIsTerminal(t *testing.T) {
	f := newFixture()
	task := testTask("a.jpg")
	task.AccountID = "nobody"

	res, err := f.publisher.DoPub(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.True(t, res.NoRetry)
}

func TestDoPubAPIErrors(t *testing.T) {
	f := newFixture()
	f.adapter.createErr = &APIError{StatusCode: http.StatusBadRequest, Code: 100, Message: "invalid image_url"}

	res, err := f.publisher.DoPub(context.Background(), testTask("a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.True(t, res.NoRetry)
	assert.Contains(t, res.Message, "invalid image_url")

	f.adapter.createErr = &APIError{StatusCode: http.StatusServiceUnavailable, Message: "try later"}
	res, err = f.publisher.DoPub(context.Background(), testTask("a.jpg"))
	assert.Nil(t, res)
	require.Error(t, err)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestPublishWaitsForAllContainers(t *testing.T) {
	f := newFixture()
	f.seed("task-1", models.ContainerFinished, models.ContainerFinished, models.ContainerInProgress)

	res, err := f.publisher.Publish(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublishing, res.Status)
	assert.Empty(t, f.adapter.carousels)
	assert.Empty(t, f.adapter.published)
	assert.Empty(t, f.recorder.calls)
}

func TestPublishComposesCarouselWhenAllFinished(t *testing.T) {
	f := newFixture()
	f.seed("task-1", models.ContainerFinished, models.ContainerInProgress, models.ContainerCreated)
	f.adapter.statuses["remote-1"] = models.ContainerFinished
	f.adapter.statuses["remote-2"] = models.ContainerFinished

	task := testTask()
	res, err := f.publisher.Publish(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, res.Status)

	require.Len(t, f.adapter.carousels, 1)
	assert.Equal(t, []string{"remote-0", "remote-1", "remote-2"}, f.adapter.carousels[0])
	assert.Equal(t, []string{"carousel-1"}, f.adapter.published)

	require.Len(t, f.recorder.calls, 1)
	assert.Equal(t, "post-1", f.recorder.calls[0].dataID)
	assert.Equal(t, "https://www.threads.net/@me/post/1", f.recorder.calls[0].opts.WorkLink)
	assert.Equal(t, models.StatusPublished, task.Status)

	for _, c := range f.tracker.containers {
		assert.Equal(t, models.ContainerFinished, c.Status)
	}
}

func TestPublishSingleContainerSkipsCarousel(t *testing.T) {
	f := newFixture()
	f.seed("task-1", models.ContainerInProgress)
	f.adapter.statuses["remote-0"] = models.ContainerFinished

	res, err := f.publisher.Publish(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, res.Status)
	assert.Empty(t, f.adapter.carousels)
	assert.Equal(t, []string{"remote-0"}, f.adapter.published)
}

func TestPublishFailedContainerIsTerminal(t *testing.T) {
	f := newFixture()
	f.seed("task-1", models.ContainerFinished, models.ContainerInProgress, models.ContainerInProgress)
	f.adapter.statuses["remote-1"] = models.ContainerFailed

	res, err := f.publisher.Publish(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.True(t, res.NoRetry)
	assert.Contains(t, res.Message, "unsupported format")
	assert.Empty(t, f.adapter.published)
	assert.Equal(t, models.ContainerFailed, f.tracker.containers[1].Status)
}

func TestPublishPermalinkIsBestEffort(t *testing.T) {
	f := newFixture()
	f.seed("task-1", models.ContainerFinished)
	f.adapter.permalinkErr = errors.New("permalink unavailable")

	res, err := f.publisher.Publish(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, res.Status)
	require.Len(t, f.recorder.calls, 1)
	assert.Equal(t, "", f.recorder.calls[0].opts.WorkLink)
}

func TestPublishWithoutContainersIsTerminal(t *testing.T) {
	f := newFixture()

	res, err := f.publisher.Publish(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.True(t, res.NoRetry)
}

func TestPublishRecorderFailureDoesNotRepublish(t *testing.T) {
	f := newFixture()
	f.seed("task-1", models.ContainerFinished)
	f.recorder.err = errors.New("db down")

	res, err := f.publisher.Publish(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.True(t, res.NoRetry)
	assert.Contains(t, res.Message, "post-1")
}

func TestCheckAuth(t *testing.T) {
	f := newFixture()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.publisher.now = func() time.Time { return now }
	f.accounts.creds["expiring"] = &publisher.Credential{AccessToken: "t", ExpiresAt: now.Add(time.Hour)}
	f.accounts.creds["expired"] = &publisher.Credential{AccessToken: "t", ExpiresAt: now.Add(-time.Hour)}

	status, err := f.publisher.CheckAuth(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Status)
	assert.Zero(t, status.TimeoutSeconds)

	status, err = f.publisher.CheckAuth(context.Background(), "expiring")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Status)
	assert.Equal(t, int64(3600), status.TimeoutSeconds)

	status, err = f.publisher.CheckAuth(context.Background(), "expired")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Status)

	status, err = f.publisher.CheckAuth(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Status)
}

func TestPublishStatusErrorKeepsPolling(t *testing.T) {
	f := newFixture()
	f.seed("task-1", models.ContainerInProgress)
	f.adapter.statusErr = errors.New("connection reset")

	res, err := f.publisher.Publish(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublishing, res.Status)
	assert.Equal(t, models.ContainerInProgress, f.tracker.containers[0].Status)
	assert.Empty(t, f.adapter.published)
}
