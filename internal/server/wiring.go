package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/worker"
)

func newQueueBackend(cfg *config.Config, logger *zap.Logger) (queue.Backend, func() error, error) {
	if cfg.Queue.Backend == "memory" {
		logger.Warn("Using in-memory queue backend, jobs will not survive a restart")
		backend := queue.NewMemoryBackend()
		return backend, backend.Close, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	logger.Info("Connected to redis", zap.String("addr", cfg.Redis.Addr))
	backend := queue.NewRedisBackend(client, cfg.Queue.Name)
	return backend, backend.Close, nil
}

// newNotifier always logs events and fans out to the webhook and AMQP sinks
// that are configured.
func newNotifier(cfg *config.EventsConfig, logger *zap.Logger) (events.Notifier, func() error, error) {
	multi := &events.Multi{}
	multi.Add("log", events.NewLogNotifier(logger))

	if cfg.Webhook.URL != "" {
		multi.Add("webhook", events.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, config.MustDuration(cfg.Webhook.Timeout)))
	}

	closeFn := func() error { return nil }
	if cfg.AMQP.URL != "" {
		amqpNotifier, err := events.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to amqp: %w", err)
		}
		multi.Add("amqp", amqpNotifier)
		closeFn = amqpNotifier.Close
	}

	return multi, closeFn, nil
}

func jobOptions(cfg *config.QueueConfig) worker.Options {
	return worker.Options{
		Push:     toJobOptions(cfg.Push),
		Finalize: toJobOptions(cfg.Finalize),
	}
}

func toJobOptions(job config.JobConfig) queue.JobOptions {
	return queue.JobOptions{
		Attempts: job.Attempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffType(job.BackoffType),
			Delay: config.MustDuration(job.BackoffDelay),
		},
		Delay:   config.MustDuration(job.Delay),
		Timeout: config.MustDuration(job.Timeout),
	}
}
