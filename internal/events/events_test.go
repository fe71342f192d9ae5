package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

func sampleEvent() Event {
	task := &models.PublishTask{ID: "task-1", UserID: "u1", AccountID: "acc-1", Platform: models.PlatformThreads}
	evt := NewEvent("evt-1", TaskCompleted, task, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	evt.DataID = "post-1"
	evt.WorkLink = "https://www.threads.net/@me/post/1"
	return evt
}

func TestWebhookNotifierSignsBody(t *testing.T) {
	var (
		body      []byte
		signature string
		eventType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		eventType = r.Header.Get("X-Crosspost-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "s3cret", time.Second)
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))

	var got Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, TaskCompleted, got.Type)
	assert.Equal(t, "post-1", got.DataID)
	assert.Equal(t, "task.completed", eventType)
	assert.Equal(t, Sign("s3cret", body), signature)
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, "", time.Second).Notify(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "502")
}

type notifierFunc func(ctx context.Context, evt Event) error

func (f notifierFunc) Notify(ctx context.Context, evt Event) error { return f(ctx, evt) }

func TestMultiNotifiesAllAndJoinsErrors(t *testing.T) {
	var calls []string
	boom := errors.New("boom")

	var m Multi
	m.Add("first", notifierFunc(func(context.Context, Event) error {
		calls = append(calls, "first")
		return boom
	}))
	m.Add("second", notifierFunc(func(context.Context, Event) error {
		calls = append(calls, "second")
		return nil
	}))
	m.Add("log", NewLogNotifier(zap.NewNop()))

	err := m.Notify(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first", "second"}, calls)

	assert.NoError(t, Multi{}.Notify(context.Background(), sampleEvent()))
}

func TestAMQPPublishing(t *testing.T) {
	evt := sampleEvent()
	msg, err := publishing(evt)
	require.NoError(t, err)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "evt-1", msg.MessageId)
	assert.Equal(t, "task.completed", msg.Type)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, evt.WorkLink, got.WorkLink)
}
