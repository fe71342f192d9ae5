package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/models"
)

// Type names the outcome an Event reports. It doubles as the AMQP routing key.
type Type string

const (
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
)

// Event is the terminal outcome of a publish task.
type Event struct {
	ID         string              `json:"id"`
	Type       Type                `json:"type"`
	TaskID     string              `json:"task_id"`
	UserID     string              `json:"user_id"`
	AccountID  string              `json:"account_id"`
	Platform   models.PlatformType `json:"platform"`
	DataID     string              `json:"data_id,omitempty"`
	WorkLink   string              `json:"work_link,omitempty"`
	Error      string              `json:"error,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// NewEvent fills the task fields of an event.
func NewEvent(id string, typ Type, task *models.PublishTask, at time.Time) Event {
	return Event{
		ID:         id,
		Type:       typ,
		TaskID:     task.ID,
		UserID:     task.UserID,
		AccountID:  task.AccountID,
		Platform:   task.Platform,
		OccurredAt: at,
	}
}

type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []namedNotifier

type namedNotifier struct {
	name     string
	notifier Notifier
}

func (m *Multi) Add(name string, n Notifier) {
	*m = append(*m, namedNotifier{name: name, notifier: n})
}

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if err := n.notifier.Notify(ctx, evt); err != nil {
			metrics.NotifyErrors.WithLabelValues(n.name).Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes every event to the logger.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, evt Event) error {
	fields := []zap.Field{
		zap.String("event", string(evt.Type)),
		zap.String("task_id", evt.TaskID),
		zap.String("platform", string(evt.Platform)),
	}
	if evt.Type == TaskFailed {
		n.logger.Warn("Publish task failed", append(fields, zap.String("error", evt.Error))...)
		return nil
	}
	n.logger.Info("Publish task completed", append(fields,
		zap.String("data_id", evt.DataID),
		zap.String("work_link", evt.WorkLink))...)
	return nil
}
