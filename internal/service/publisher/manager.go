package publisher

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
)

// Registry maps each platform to its publisher.
type Registry struct {
	mu         sync.RWMutex
	publishers map[models.PlatformType]Publisher
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		publishers: make(map[models.PlatformType]Publisher),
		logger:     logger,
	}
}

func (r *Registry) Register(p Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform := p.Platform()
	if _, exists := r.publishers[platform]; exists {
		return fmt.Errorf("publisher for platform %s already registered", platform)
	}

	r.publishers[platform] = p
	r.logger.Info("Publisher registered", zap.String("platform", string(platform)))
	return nil
}

func (r *Registry) Get(platform models.PlatformType) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.publishers[platform]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPublisherNotFound, platform)
	}
	return p, nil
}

// Platforms lists the registered platforms in name order.
func (r *Registry) Platforms() []models.PlatformType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]models.PlatformType, 0, len(r.publishers))
	for platform := range r.publishers {
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}
