package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-xray-sdk-go/strategy/ctxmissing"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"softgate-functions/config"
	"softgate-functions/handlers"
	"softgate-functions/logging"
	"softgate-functions/services"

	_ "softgate-functions/docs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", false)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.Component(logging.New(cfg.LogLevel, cfg.LogPretty), "worker")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker exited")
	}
}

func newRunner(cfg *config.Config) services.Runner {
	if cfg.RunnerDriver == "local" {
		return services.NewLocalRunner()
	}
	return services.NewHTTPRunner(cfg.ExecutorHost, cfg.ExecutorSecret)
}

func run(cfg *config.Config, log zerolog.Logger) error {
	xray.Configure(xray.Config{ContextMissingStrategy: ctxmissing.NewDefaultIgnoreErrorStrategy()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbService, err := services.NewDBService(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	if err != nil {
		return err
	}
	defer dbService.Close()
	if err := dbService.InitSchema(ctx); err != nil {
		return err
	}

	storageService, err := services.NewStorageService(cfg.StorageType, cfg.StoragePath)
	if err != nil {
		return err
	}
	log.Info().Str("type", cfg.StorageType).Str("path", cfg.StoragePath).Msg("log archive initialized")

	redisService := services.NewRedisService(cfg.RedisHost, cfg.RedisPort, cfg.FunctionsQueue, cfg.DeadLetterQueue)
	defer redisService.Close()
	if err := redisService.Ping(ctx); err != nil {
		return err
	}

	events := services.NewEventService(redisService, logging.Component(log, "events"))
	executor := services.NewExecutionService(dbService, newRunner(cfg), cfg.Runtimes, events, redisService,
		storageService, logging.Component(log, "executions"))
	limiter := rate.NewLimiter(rate.Limit(cfg.EventTriggerRate), cfg.EventTriggerBurst)
	functions := services.NewFunctionService(dbService, executor, services.FunctionOptions{
		Limiter:        limiter,
		SkipSelfEvents: cfg.SkipSelfEvents,
	}, logging.Component(log, "functions"))
	worker := services.NewWorker(redisService, functions, traceSegment(cfg, "softgate-worker"), log)

	app := handlers.NewOpsApp("softgate-worker", log, cfg.XRayEnabled, map[string]handlers.HealthCheck{
		"postgres": dbService.Ping,
		"redis":    redisService.Ping,
	})
	api := app.Group("/api")
	eh := handlers.NewExecutionHandler(dbService, storageService)
	api.Get("/projects/:projectId/executions/:id", eh.GetExecution)
	api.Get("/projects/:projectId/executions/:id/logs", eh.GetExecutionLogs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx, cfg.WorkerConcurrency)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.ServerPort).Msg("ops server listening")
		return app.Listen(":" + cfg.ServerPort)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.Shutdown()
	})

	log.Info().
		Str("driver", cfg.RunnerDriver).
		Int("concurrency", cfg.WorkerConcurrency).
		Int("runtimes", len(cfg.Runtimes)).
		Msg("worker ready")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify failed")
	}

	err = g.Wait()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// traceSegment names the per-message segment, or disables it when X-Ray is off.
func traceSegment(cfg *config.Config, name string) string {
	if !cfg.XRayEnabled {
		return ""
	}
	return name
}
