package service

import (
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/instagram"
	"github.com/ifuryst/crosspost/internal/service/publisher/threads"
)

// RegisterPublishers registers a publisher for every enabled platform.
func RegisterPublishers(registry *publisher.Registry, cfg *config.PlatformsConfig, deps publisher.Deps, logger *zap.Logger) error {
	if config.IsEnabled(cfg.Threads.Enabled) {
		client := threads.NewClient(cfg.Threads.BaseURL, config.MustDuration(cfg.Threads.Timeout))
		if err := registry.Register(threads.NewPublisher(client, deps)); err != nil {
			return err
		}
	} else {
		logger.Info("Threads publisher disabled")
	}

	if config.IsEnabled(cfg.Instagram.Enabled) {
		client := instagram.NewClient(cfg.Instagram.BaseURL, config.MustDuration(cfg.Instagram.Timeout))
		if err := registry.Register(instagram.NewPublisher(client, deps)); err != nil {
			return err
		}
	} else {
		logger.Info("Instagram publisher disabled")
	}

	return nil
}
