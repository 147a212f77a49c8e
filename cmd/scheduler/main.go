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

	"softgate-functions/config"
	"softgate-functions/handlers"
	"softgate-functions/logging"
	"softgate-functions/services"

	_ "softgate-functions/docs"
)

// @title SoftGate Functions API
// @version 1.0
// @description Operational API of the function scheduler and execution worker
// @host localhost:8080
// @BasePath /api
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", false)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.Component(logging.New(cfg.LogLevel, cfg.LogPretty), "scheduler")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("scheduler exited")
	}
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
	log.Info().Str("db", cfg.DBHost).Msg("database schema initialized")

	redisService := services.NewRedisService(cfg.RedisHost, cfg.RedisPort, cfg.FunctionsQueue, cfg.DeadLetterQueue)
	defer redisService.Close()
	if err := redisService.Ping(ctx); err != nil {
		return err
	}

	registry := services.NewScheduleRegistry(dbService, cfg.Region, cfg.RefreshInterval, logging.Component(log, "registry"))
	window := services.NewDispatchWindow(services.NewCronEvaluator(), cfg.Horizon, logging.Component(log, "window"))
	runner := services.NewScheduleRunner(registry, window, redisService, services.SchedulerOptions{
		RefreshInterval:  cfg.RefreshInterval,
		DispatchInterval: cfg.DispatchInterval,
		EnqueueTimeout:   cfg.EnqueueTimeout,
		TraceSegment:     traceSegment(cfg, "softgate-scheduler"),
	}, log)

	if err := runner.Init(ctx); err != nil {
		return err
	}

	app := handlers.NewOpsApp("softgate-scheduler", log, cfg.XRayEnabled, map[string]handlers.HealthCheck{
		"postgres": dbService.Ping,
		"redis":    redisService.Ping,
	})
	api := app.Group("/api")
	api.Get("/scheduler/status", handlers.NewSchedulerHandler(runner).GetStatus)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.ServerPort).Msg("ops server listening")
		return app.Listen(":" + cfg.ServerPort)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.Shutdown()
	})

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

func traceSegment(cfg *config.Config, name string) string {
	if !cfg.XRayEnabled {
		return ""
	}
	return name
}
