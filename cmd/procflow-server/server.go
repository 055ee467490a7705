package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/procflow/pkg/agent"
	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/cmd"
	"github.com/dukex/procflow/pkg/config"
	"github.com/dukex/procflow/pkg/crontab"
	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/scheduler"
	"github.com/dukex/procflow/pkg/services"
	"github.com/dukex/procflow/pkg/steps/task"
	"github.com/dukex/procflow/pkg/validation"
	"github.com/dukex/procflow/pkg/web"
	"github.com/gofiber/fiber/v3"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "procflow-server"
	shutdownTimeout = 15 * time.Second
)

// Settings are the process level inputs of the server.
type Settings struct {
	Port         int
	DatabaseURL  string
	RedisURL     string
	EventBus     string
	KafkaBrokers string
	ConfigPath   string
}

// Server owns every long lived component of the process.
type Server struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	bus         eventbus.EventBus
	engine      *engine.Engine
	scheduler   *scheduler.Scheduler
	app         *fiber.App
	port        int

	closers []func() error
}

// NewServer wires the components described by settings.
func NewServer(ctx context.Context, logger *slog.Logger, settings Settings) (*Server, error) {
	cfg, err := config.Load(settings.ConfigPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{logger: logger, port: settings.Port}
	clk := clock.Real()

	tracer, shutdownTracer, err := otelhelper.NewTracer(ctx, serviceName, otelhelper.Options{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	srv.closers = append(srv.closers, func() error { return shutdownTracer(context.Background()) })

	srv.persistence, err = cmd.NewPersistence(ctx, logger, settings.DatabaseURL)
	if err != nil {
		return nil, srv.abort(err)
	}

	srv.closers = append(srv.closers, func() error { return srv.persistence.Close(context.Background()) })

	srv.bus, err = cmd.NewEventBus(settings.EventBus, settings.KafkaBrokers, serviceName, logger)
	if err != nil {
		return nil, srv.abort(err)
	}

	srv.closers = append(srv.closers, srv.bus.Close)

	if err := eventbus.RegisterAuditLogger(srv.bus, logger); err != nil {
		return nil, srv.abort(fmt.Errorf("failed to register audit logger: %w", err))
	}

	sink := eventbus.NewSink(srv.bus, clk, logger)

	store, closeQueue, err := cmd.NewQueueStore(ctx, logger, settings.RedisURL, cfg.Queue.TTL, clk)
	if err != nil {
		return nil, srv.abort(err)
	}

	srv.closers = append(srv.closers, closeQueue)

	resourceQueue := queue.New(store, logger, cfg.QueueOptions())

	agents := agent.NewHTTPClient(agent.HTTPOptions{
		BaseURL:   cfg.Agents.BaseURL,
		Resources: cfg.Agents.Resources,
		RateLimit: cfg.Agents.RateLimit,
		Burst:     cfg.Agents.Burst,
	}, logger)

	approvals := approval.NewService(srv.persistence.Approvals(), clk, sink, logger)

	registry := cmd.NewRegistry(logger, cmd.Handlers{
		Queue:     resourceQueue,
		Agents:    agents,
		Approvals: approvals,
		Clock:     clk,
		Task:      task.Options{DefaultTimeout: cfg.Task.DefaultTimeout},
	})

	srv.engine = engine.New(srv.persistence, registry, logger, engine.Options{
		MaxParallelSteps: cfg.Engine.MaxParallelSteps,
		Clock:            clk,
		Sink:             sink,
		Tracer:           tracer,
	})

	cron := crontab.NewParser()

	schedulerOptions := cfg.SchedulerOptions()
	schedulerOptions.Waker = srv.engine
	schedulerOptions.Sweeper = approvals
	schedulerOptions.Clock = clk
	schedulerOptions.Sink = sink
	schedulerOptions.Tracer = tracer

	srv.scheduler = scheduler.New(srv.persistence.Schedules(), cron, srv.engine, logger, schedulerOptions)

	handlers := web.NewAPIHandlers(
		services.NewDefinitions(srv.persistence.Definitions(), validation.NewValidator(cron, registry), srv.scheduler, clk, sink, logger),
		services.NewExecutions(srv.engine, logger),
		services.NewApprovals(approvals, srv.engine, logger),
		services.NewResources(resourceQueue, sink, logger),
		services.NewHealth(srv.persistence),
		registry,
		logger,
	)

	srv.app = web.NewApp(handlers)

	return srv, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to audit events: %w", err)
	}

	if err := s.engine.Recover(ctx); err != nil {
		return err
	}

	s.scheduler.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.InfoContext(ctx, "listening", "port", s.port)

		return s.app.Listen(":"+strconv.Itoa(s.port), fiber.ListenConfig{DisableStartupMessage: true})
	})

	group.Go(func() error {
		<-groupCtx.Done()

		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return s.app.ShutdownWithContext(shutdownCtx)
	})

	err := group.Wait()

	s.scheduler.Stop()
	s.engine.Close()

	return errors.Join(err, s.close())
}

func (s *Server) abort(err error) error {
	return errors.Join(err, s.close())
}

// close releases resources in reverse order of acquisition.
func (s *Server) close() error {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	s.closers = nil

	return errors.Join(errs...)
}
