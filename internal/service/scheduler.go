package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/store"
)

const schedulerBatchSize = 500

// Scheduler pushes waiting tasks whose publish time falls inside the query
// window on every tick of its cron expression.
type Scheduler struct {
	config  *config.SchedulerConfig
	window  time.Duration
	tasks   *store.TaskStore
	service *PublishService
	logger  *zap.Logger
	now     func() time.Time

	cron *cron.Cron
	mu   sync.Mutex
}

func NewScheduler(cfg *config.SchedulerConfig, tasks *store.TaskStore, service *PublishService, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		config:  cfg,
		window:  config.MustDuration(cfg.QueryWindow),
		tasks:   tasks,
		service: service,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !config.IsEnabled(s.config.Enabled) {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	s.cron = cron.New(cron.WithParser(config.CronParser))
	_, err := s.cron.AddFunc(s.config.Cron, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Scheduled push failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scheduler cron %q: %w", s.config.Cron, err)
	}

	s.logger.Info("Starting scheduler",
		zap.String("cron", s.config.Cron),
		zap.Duration("query_window", s.window))
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler shutdown completed")
}

// RunOnce pushes every due task and returns how many were pushed. Ticks
// never overlap.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	tasks, err := s.tasks.ListDue(ctx, start.Add(s.window), schedulerBatchSize)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for i := range tasks {
		task := &tasks[i]
		if err := s.service.Push(ctx, task); err != nil {
			s.logger.Error("Failed to push scheduled task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		pushed++
	}

	if pushed > 0 {
		metrics.ScheduledPushes.Add(float64(pushed))
		s.logger.Info("Scheduled tasks pushed",
			zap.Int("pushed", pushed),
			zap.Int("due", len(tasks)),
			zap.Duration("duration", time.Since(start)))
	}
	return pushed, nil
}
