// Package app wires configuration into the running services shared by the API server and reelctl.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/timmy/reelpilot/internal/api"
	"github.com/timmy/reelpilot/internal/api/handler"
	"github.com/timmy/reelpilot/internal/config"
	"github.com/timmy/reelpilot/internal/credential"
	"github.com/timmy/reelpilot/internal/events"
	"github.com/timmy/reelpilot/internal/logger"
	"github.com/timmy/reelpilot/internal/repository"
	"github.com/timmy/reelpilot/internal/service"
	"github.com/timmy/reelpilot/internal/stage"
	"github.com/timmy/reelpilot/internal/storage"
)

// App holds every long-lived component. Build it with New, start the
// background loops with Start and release it with Close.
type App struct {
	Config *config.Config
	Log    *logger.Logger

	DB            *gorm.DB
	Subscriptions *repository.SubscriptionRepository
	Jobs          *repository.JobRepository

	Registry        *service.AccountRegistry
	Tracker         *service.HealthTracker
	Scheduler       *service.Scheduler
	DefaultStrategy service.Strategy
	Bus             *events.Bus
	Monitor         *service.HealthMonitor
	Admission       *service.AdmissionGate
	JobManager      *service.JobManager

	redis   *redis.Client
	kafka   *events.KafkaSink
	closers []func() error
	cancel  context.CancelFunc
}

// New connects the database, loads the account registry and builds the pipeline.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.DB, err = repository.InitDB(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sqlDB, err := a.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	sink, err := credential.NewSink(cfg.Credentials.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	if cfg.Credentials.SecretKey == "" {
		log.Warn("Credentials are stored unsealed, set CREDENTIALS_SECRET_KEY")
	}
	accounts := repository.NewAccountRepository(a.DB, sink)
	a.Subscriptions = repository.NewSubscriptionRepository(a.DB)
	a.Jobs = repository.NewJobRepository(a.DB)

	// Accounts
	a.Registry = service.NewAccountRegistry(accounts, log)
	if err := a.Registry.LoadFrom(ctx, accounts); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	a.Tracker = service.NewHealthTracker(a.Registry, service.HealthPolicy{
		FailureThreshold: cfg.Health.FailureThreshold,
		BaseCooldown:     cfg.Health.BaseCooldown,
		MaxCooldown:      cfg.Health.MaxCooldown,
	}, log)

	a.DefaultStrategy, err = service.ParseStrategy(cfg.Scheduler.DefaultStrategy)
	if err != nil {
		return nil, err
	}
	leases, err := a.leaseStore()
	if err != nil {
		return nil, err
	}
	var schedOpts []service.SchedulerOption
	if leases != nil {
		schedOpts = append(schedOpts, service.WithLeases(leases, cfg.Scheduler.LeaseTTL))
	}
	a.Scheduler = service.NewScheduler(a.Registry, a.Tracker, log, schedOpts...)

	// Events
	a.Bus = events.NewBus(cfg.Pipeline.EventBuffer)
	if len(cfg.Events.Kafka.Brokers) > 0 {
		a.kafka, err = events.NewKafkaSink(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		a.closers = append(a.closers, a.kafka.Close)
	}
	a.Monitor = service.NewHealthMonitor(a.Tracker, a.Bus, cfg.Health.MonitorInterval, log)

	// Pipeline
	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	if b, ok := objectStorage.(interface{ EnsureBucket(context.Context) error }); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure storage bucket: %w", err)
		}
	}

	stages := stage.Standard(stage.Deps{
		Writer: stage.NewLLMClient(stage.LLMConfig{
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			APIKey:  cfg.LLM.APIKey,
			Timeout: cfg.LLM.Timeout,
		}),
		Images:          stage.NewImageClient(stage.MediaConfig{ImageURL: cfg.Media.ImageURL, Timeout: cfg.Media.Timeout}),
		Speech:          stage.NewSpeechClient(stage.MediaConfig{SpeechURL: cfg.Media.SpeechURL, Timeout: cfg.Media.Timeout}),
		Storage:         objectStorage,
		Scheduler:       a.Scheduler,
		Publisher:       stage.NewHTTPPublisher(stage.PublisherConfig{Endpoints: cfg.Publisher.Endpoints, Timeout: cfg.Publisher.Timeout}),
		DefaultStrategy: a.DefaultStrategy,
		Parallelism:     cfg.Pipeline.ItemParallelism,
	})
	pipeline, err := service.NewPipeline(stages,
		service.WithPublisher(a.Bus),
		service.WithPipelineLogger(log),
		service.WithStageTimeout(cfg.Pipeline.StageTimeout),
	)
	if err != nil {
		return nil, err
	}

	a.Admission = service.NewAdmissionGate(a.Subscriptions, log)
	a.JobManager = service.NewJobManager(pipeline, a.Admission, a.Jobs, service.JobManagerConfig{
		Retention:       cfg.Pipeline.JobRetention,
		JanitorInterval: cfg.Pipeline.JanitorInterval,
	}, log)
	return a, nil
}

func (a *App) leaseStore() (service.LeaseStore, error) {
	switch a.Config.Scheduler.LeaseBackend {
	case "redis":
		client, err := service.ConnectRedis(a.Config.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
		a.Log.WithField("addr", client.Options().Addr).Info("Using Redis account leases")
		return service.NewRedisLeaseStore(client), nil
	case "memory", "":
		return service.NewMemoryLeaseStore(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown lease backend %q", a.Config.Scheduler.LeaseBackend)
	}
}

// Start launches the event forwarders, the health monitor and the job janitor.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go events.Forward(ctx, a.Bus.Subscribe(nil), events.NewLogSink(a.Log), a.Log)
	if a.kafka != nil {
		go events.Forward(ctx, a.Bus.Subscribe(nil), a.kafka, a.Log)
		a.Log.WithField("topic", a.Config.Events.Kafka.Topic).Info("Forwarding events to Kafka")
	}
	go a.Monitor.Run(ctx)
	go a.JobManager.RunJanitor(ctx)
}

// Handlers builds the HTTP handlers over the app's services.
func (a *App) Handlers() api.Handlers {
	checks := map[string]handler.Check{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return api.Handlers{
		Health:   handler.NewHealthHandler(checks),
		Pools:    handler.NewPoolHandler(a.Registry),
		Accounts: handler.NewAccountHandler(a.Registry, a.Tracker, a.Scheduler),
		Schedule: handler.NewScheduleHandler(a.Scheduler, a.Tracker, a.DefaultStrategy),
		Jobs:     handler.NewJobHandler(a.JobManager, a.Admission, a.Bus),
	}
}

// Close stops running jobs, then the background loops, then closes connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.JobManager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop jobs: %w", err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.Bus.Close()
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
