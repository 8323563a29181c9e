// Package main provides the entry point for the multi-tenant serving control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/admission"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/aggregate"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/config"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/health"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/lifecycle"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/metrics"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/server"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/service"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/store"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/version"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/workerpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := initLogger()
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("control plane exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	logger.Info("starting control plane", zap.String("plugin", version.String()))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	policy := cfg.PluginPolicy()
	logger.Info("configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("auto_scaling", policy.AutoScaling),
		zap.Int("max_replicas_per_tenant", policy.MaxReplicasPerTenant),
		zap.Bool("resource_isolation", policy.ResourceIsolation),
		zap.Bool("enable_gpu_sharing", policy.EnableGPUSharing),
		zap.Int("gpu_slots", policy.GPUSlots),
		zap.Duration("deploying_timeout", policy.DeployingTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthCheck := health.NewHealthCheck(logger)
	deploymentStore := store.NewDeploymentStore(logger)

	// Durable deployment table
	var persister *service.Persister
	if cfg.Database.Enabled {
		repo, err := store.NewPostgresRepository(ctx, store.PostgresOptions{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			MaxConns: cfg.Database.MaxConnections,
			MinConns: cfg.Database.MinConnections,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer repo.Close()

		pool := workerpool.New(workerpool.Config{
			Name:        "persistence",
			MaxWorkers:  1,
			QueueSize:   cfg.Database.QueueSize,
			TaskTimeout: cfg.Database.WriteTimeout,
			Logger:      logger,
		})
		persister = service.NewPersister(repo, deploymentStore, pool, logger)
		if err := persister.Restore(ctx, deploymentStore); err != nil {
			return err
		}
		deploymentStore.SetObserver(persister)
		healthCheck.AddDependency("postgres", repo)

		created, retained := deploymentStore.Totals()
		logger.Info("deployment table restored",
			zap.Int("deployments", len(deploymentStore.List())),
			zap.Uint64("created_total", created),
			zap.Uint64("retained_requests", retained))
	}

	aggregator := aggregate.NewAggregator(deploymentStore, aggregate.NewLatencyWindow(cfg.Plugin.LatencyWindow))
	scheduler := service.NewScheduler(deploymentStore, admission.NewPolicy(policy), policy, aggregator, logger)

	// Idempotency-Key storage
	var idempotencyStore store.IdempotencyStore
	if cfg.Redis.Enabled {
		redisStore, err := store.NewRedisIdempotencyStore(store.RedisOptions{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		idempotencyStore = redisStore
		healthCheck.AddDependency("redis", redisStore)
	} else {
		idempotencyStore = store.NewInMemoryCache(cfg.Redis.LocalMaxKeys, logger)
	}
	defer idempotencyStore.Close()
	scheduler.SetIdempotency(service.NewIdempotencyService(idempotencyStore, cfg.Redis.IdempotencyTTL, logger))

	var m *metrics.Metrics
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		scheduler.SetRecorder(m)
		prometheus.MustRegister(metrics.NewSnapshotCollector(func() model.SystemMetrics {
			snapshot, _ := scheduler.Metrics(context.Background())
			return snapshot
		}))
		healthCheck.OnChange(m.SetHealthStatus)
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
	}

	var grpcHealth *server.GRPCHealthServer
	if cfg.GRPCHealth.Enabled {
		grpcHealth = server.NewGRPCHealthServer(cfg.GRPCHealth.Port, cfg.GRPCHealth.MaxConcurrentStreams, cfg.GRPCHealth.Reflection, logger)
		healthCheck.OnChange(grpcHealth.SetReady)
	}

	httpServer := server.NewServer(cfg, scheduler, healthCheck, m, logger)
	supervisor := lifecycle.NewSupervisor(scheduler, policy.SupervisorInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.Start)
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}
	if grpcHealth != nil {
		g.Go(grpcHealth.Start)
	}
	if persister != nil {
		g.Go(func() error { return persister.Run(gctx, cfg.Database.ReconcileInterval) })
	}
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error { return healthCheck.Run(gctx) })
	if policy.AutoScaling {
		autoscaler := service.NewAutoScaler(scheduler, cfg.AutoScalerSettings(), logger)
		g.Go(func() error { return autoscaler.Run(gctx) })
	}

	// Graceful shutdown once a signal arrives or any component fails
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		if m != nil {
			m.SetHealthStatus(false)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", zap.Error(err))
			}
		}
		if grpcHealth != nil {
			if err := grpcHealth.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown gRPC health server", zap.Error(err))
			}
		}
		return nil
	})

	logger.Info("control plane started", zap.Int("port", cfg.Server.Port))
	err = g.Wait()

	if persister != nil {
		if stopErr := persister.Stop(cfg.Server.ShutdownTimeout); stopErr != nil {
			logger.Error("failed to flush persistence queue", zap.Error(stopErr))
		}
		if dropped := persister.Dropped(); dropped > 0 {
			logger.Warn("changes dropped by a full persistence queue", zap.Uint64("dropped", dropped),
				zap.Bool("reconciled", !persister.Dirty()))
		}
	}

	logger.Info("control plane shutdown complete")
	return err
}

// initLogger initializes the zap logger.
func initLogger() *zap.Logger {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	var cfg zap.Config
	if os.Getenv("LOG_FORMAT") == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
