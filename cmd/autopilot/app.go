package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/browseros/autopilot/api"
	"github.com/browseros/autopilot/config"
	"github.com/browseros/autopilot/memory"
	"github.com/browseros/autopilot/metric"
	"github.com/browseros/autopilot/queue"
	"github.com/browseros/autopilot/router"
	"github.com/browseros/autopilot/store"
)

// shutdownTimeout bounds graceful HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

func run(configPath, mode, logLevel string) error {
	logger := newLogger(logLevel)

	if mode != "server" && mode != "local" {
		return fmt.Errorf("unknown mode %q (expected local or server)", mode)
	}

	loader := config.NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Database.Path, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("Store opened", "path", cfg.Database.Path)

	// Optional NATS event mirror.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	events := queue.NewEvents(nc, logger)

	// Provider credentials and router.
	pool := router.NewPool()
	creds, err := config.LoadProviders(cfg.Providers.File)
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	applyCredentials(pool, creds)
	logger.Info("Provider credentials loaded", "providers", len(creds))

	table, err := router.NewTable(st, logger)
	if err != nil {
		return fmt.Errorf("init routing table: %w", err)
	}
	routerMetrics := router.NewMetrics(st, logger)
	learner := router.NewLearner(st, table, routerMetrics, logger,
		router.WithLearnerInterval(time.Duration(cfg.Router.LearnerIntervalMs)*time.Millisecond))
	rt := router.NewRouter(table, pool, learner, logger)

	// Task queue.
	webhooks := queue.NewWebhookSender(logger)
	executor := queue.NewExecutor(st, events, webhooks, cfg.Chat.URL, logger,
		queue.WithStepRecorder(router.NewCallRecorder(routerMetrics, learner)),
		queue.WithDefaultTimeout(cfg.Queue.DefaultTimeoutMs))
	retry := queue.NewRetryManager(cfg.Queue.MaxRetries, cfg.Queue.BackoffMs, cfg.Queue.BackoffMultiplier)
	scheduler := queue.NewScheduler(st, executor, events, retry, logger,
		queue.WithTick(time.Duration(cfg.Queue.TickMs)*time.Millisecond),
		queue.WithMaxConcurrent(cfg.Queue.MaxConcurrent))

	// Memory optimizer.
	budget := memory.NewBudgetManager()
	optimizer := memory.NewOptimizer(st, budget, logger,
		memory.WithOptimizerInterval(time.Duration(cfg.Memory.OptimizerIntervalMs)*time.Millisecond))

	// Prometheus instrumentation over the event bus and the subsystem hooks.
	metrics := metric.New()
	registerEventMetrics(metrics, events, scheduler)
	rt.OnDecision(func(d router.Decision) {
		metrics.RouteDecisions.WithLabelValues(d.Reason).Inc()
	})
	routerMetrics.OnRecord(func(provider, model string, success bool) {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		metrics.RouterCalls.WithLabelValues(provider, model, outcome).Inc()
	})
	optimizer.OnCycle(func(r memory.RunReport) {
		metrics.OptimizerRuns.Inc()
		if saved := r.TokensBefore - r.TokensAfter; saved > 0 {
			metrics.OptimizerTokensSaved.Add(float64(saved))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()
	if err := learner.Start(ctx); err != nil {
		return fmt.Errorf("start learner: %w", err)
	}
	defer learner.Stop()
	if err := optimizer.Start(ctx); err != nil {
		return fmt.Errorf("start optimizer: %w", err)
	}
	defer optimizer.Stop()

	// Credential hot reload.
	watcher, err := config.NewProviderWatcher(cfg.Providers.File, func(creds map[string]config.ProviderCredentials) {
		applyCredentials(pool, creds)
	}, logger)
	if err != nil {
		logger.Warn("Provider hot reload disabled", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	if mode == "local" {
		logger.Info("Running in local mode; HTTP API disabled")
		<-ctx.Done()
		logger.Info("Shutting down")
		return nil
	}

	taskHandler := api.NewTaskHandler(st, scheduler, logger)
	taskHandler.OnCreated(metrics.TasksCreated.Inc)
	server := api.NewServer(cfg.Server.Port, logger, metrics.Handler(),
		taskHandler,
		api.NewRouterHandler(rt, st, logger),
		api.NewMemoryHandler(optimizer, st, logger))
	server.OnHealth(func() map[string]any {
		return map[string]any{
			"scheduler": scheduler.Running(),
			"db":        st.Ping() == nil,
		}
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	return nil
}

// applyCredentials converts the config credential set into the pool.
func applyCredentials(pool *router.Pool, creds map[string]config.ProviderCredentials) {
	next := make(map[string]router.Credentials, len(creds))
	for name, c := range creds {
		next[name] = router.Credentials{
			APIKey:          c.APIKey,
			BaseURL:         c.BaseURL,
			ResourceName:    c.ResourceName,
			Region:          c.Region,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			SessionToken:    c.SessionToken,
		}
	}
	pool.Replace(next)
}

// registerEventMetrics mirrors lifecycle events into Prometheus counters.
func registerEventMetrics(m *metric.Metrics, events *queue.Events, scheduler *queue.Scheduler) {
	events.SubscribeAll(func(ev queue.Event) {
		switch ev.Type {
		case queue.EventTaskStarted:
			m.TaskTransitions.WithLabelValues("running").Inc()
		case queue.EventTaskCompleted:
			m.TaskTransitions.WithLabelValues("completed").Inc()
			m.TaskDuration.Observe(float64(ev.ExecutionTimeMs) / 1000)
		case queue.EventTaskFailed:
			m.TaskTransitions.WithLabelValues("failed").Inc()
		case queue.EventTaskCancelled:
			m.TaskTransitions.WithLabelValues("cancelled").Inc()
		case queue.EventTaskRetryScheduled:
			m.RetriesScheduled.Inc()
		}
		m.TasksActive.Set(float64(scheduler.ActiveTasks()))
	})
}
