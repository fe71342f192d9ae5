package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
	"github.com/ifuryst/crosspost/internal/worker"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Queue          *queue.Queue
	Consumer       *queue.Consumer
	PublishService *service.PublishService
	Monitoring     *service.MonitoringService
	Auth           *service.AuthService
	Scheduler      *service.Scheduler

	closers []func() error
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := store.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return newServer(cfg, db, logger)
}

func newServer(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*Server, error) {
	if err := store.Migrate(db); err != nil {
		return nil, err
	}

	srv := &Server{
		Config: cfg,
		DB:     db,
		Router: gin.New(),
		Logger: logger,
	}

	backend, closeBackend, err := newQueueBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeBackend)

	notifier, closeNotifier, err := newNotifier(&cfg.Events, logger)
	if err != nil {
		srv.close()
		return nil, err
	}
	srv.closers = append(srv.closers, closeNotifier)

	accounts, err := service.NewConfigAccounts(cfg.Accounts)
	if err != nil {
		srv.close()
		return nil, err
	}

	tasks := store.NewTaskStore(db)
	containers := store.NewContainerStore(db)
	srv.Queue = queue.New(cfg.Queue.Name, backend, logger)
	srv.Monitoring = service.NewMonitoringService(db, logger)
	srv.Auth = service.NewAuthService(logger, cfg.Auth.TOTPSecret)

	registry := publisher.NewRegistry(logger)
	w := worker.New(srv.Queue, tasks, registry, srv.Monitoring, notifier, jobOptions(&cfg.Queue), logger)

	deps := publisher.Deps{
		Containers: containers,
		Recorder:   service.NewRecorder(tasks, notifier, logger),
		FollowUps:  w,
		Accounts:   accounts,
		Logger:     logger,
	}
	if err := service.RegisterPublishers(registry, &cfg.Platforms, deps, logger); err != nil {
		srv.close()
		return nil, err
	}

	srv.Consumer = w.NewConsumer(queue.ConsumerConfig{
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    config.MustDuration(cfg.Worker.PollInterval),
		LockDuration:    config.MustDuration(cfg.Queue.LockDuration),
		StalledInterval: config.MustDuration(cfg.Queue.StalledInterval),
		MaxStalledCount: *cfg.Queue.MaxStalledCount,
		MaxBackoff:      config.MustDuration(cfg.Queue.MaxBackoff),
	})

	srv.PublishService = service.NewPublishService(service.PublishDeps{
		Tasks:              tasks,
		Containers:         containers,
		Records:            store.NewRecordStore(db),
		Registry:           registry,
		Accounts:           accounts,
		Dispatcher:         w,
		Logger:             logger,
		ImmediateThreshold: config.MustDuration(cfg.Scheduler.ImmediateThreshold),
	})
	srv.Scheduler = service.NewScheduler(&cfg.Scheduler, tasks, srv.PublishService, logger)

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health", "/metrics"},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+userIDHeader+", "+service.OTPHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := s.Router.Group("/api/v1")
	{
		tasks := api.Group("/tasks")
		{
			tasks.POST("", s.handleSubmitTask)
			tasks.GET("", s.handleListTasks)
			tasks.GET("/:id", s.handleGetTaskStatus)
			tasks.DELETE("/:id", s.handleDeleteTask)
			tasks.PUT("/:id/publish-time", s.handleUpdatePublishTime)
			tasks.POST("/:id/publish", s.handlePublishNow)
		}

		api.GET("/records", s.handleListRecords)
		api.GET("/accounts/:platform/:accountId/auth", s.handleCheckAuth)

		admin := api.Group("/admin", s.Auth.AuthMiddleware())
		{
			admin.POST("/tasks/:id/retry", s.handleRetryTask)
			admin.GET("/errors", s.handleListErrors)
			admin.POST("/errors/:id/resolve", s.handleResolveError)
			admin.DELETE("/errors", s.handleCleanupErrors)
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Start scheduler
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.Consumer.Start(ctx)

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting work, waits for in-flight jobs and releases
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	// Stop scheduler first
	s.Scheduler.Stop()

	var err error
	if s.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		err = s.Server.Shutdown(shutdownCtx)
	}

	s.Consumer.Stop()
	s.close()
	return err
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	s.closers = nil

	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
