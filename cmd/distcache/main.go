package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/distcache/internal/config"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/registry"
	"github.com/devrev/pairdb/distcache/internal/server"
	"github.com/devrev/pairdb/distcache/internal/service"
	"github.com/devrev/pairdb/distcache/internal/topology"
	"github.com/devrev/pairdb/distcache/internal/transport"
	"github.com/devrev/pairdb/distcache/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	self := model.Member{
		ID:       model.MemberID(cfg.Member.ID),
		Address:  fmt.Sprintf("%s:%d", cfg.Member.Host, cfg.Member.Port),
		Location: cfg.Member.Location,
	}

	logger.Info("Configuration loaded",
		zap.String("member_id", string(self.ID)),
		zap.String("address", self.Address),
		zap.String("site", self.Location.Site),
		zap.String("rack", self.Location.Rack),
		zap.String("machine", self.Location.Machine),
		zap.Int("services", len(cfg.Services)))

	m := metrics.NewMetrics(string(self.ID), prometheus.DefaultRegisterer)

	tracker := topology.NewTracker()
	grpcClient := transport.NewGRPCClient(tracker, logger)
	defer grpcClient.Close()

	tr := transport.NewResilient(grpcClient,
		transport.RetryConfig{
			MaxAttempts:     cfg.Transport.MaxAttempts,
			InitialInterval: cfg.Transport.InitialBackoff,
			MaxInterval:     cfg.Transport.MaxBackoff,
			RequestTimeout:  cfg.Transport.RequestTimeout,
		},
		transport.BreakerConfig{
			ConsecutiveFailures: cfg.Transport.BreakerFailures,
			OpenTimeout:         cfg.Transport.BreakerTimeout,
		},
		m, logger)

	// Backup flushes of one partition share a worker, so they never overlap
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "replication",
		MaxWorkers: cfg.Replication.Workers,
		QueueSize:  cfg.Replication.QueueSize,
		Metrics:    m,
		Logger:     logger,
	})

	reg := registry.New(logger)
	node := service.NewNode(self, reg, tracker, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, sc := range cfg.Services {
		svcCfg, err := service.ConfigFromService(sc, self, cfg.Transport)
		if err != nil {
			logger.Fatal("Invalid service configuration", zap.String("service", sc.Name), zap.Error(err))
		}
		svc, err := service.NewPartitionedService(svcCfg, service.Deps{
			Transport: tr,
			Pool:      pool,
			Topology:  tracker,
			Resolvers: reg,
			Metrics:   m,
			Logger:    logger,
		})
		if err != nil {
			logger.Fatal("Failed to create service", zap.String("service", sc.Name), zap.Error(err))
		}
		if err := node.AddService(ctx, svc); err != nil {
			logger.Fatal("Failed to register service", zap.String("service", sc.Name), zap.Error(err))
		}

		replication, readLocator := svc.Policies()
		logger.Info("Service registered",
			zap.String("service", sc.Name),
			zap.Int("partitions", svc.PartitionCount()),
			zap.Int("backup_count", svcCfg.BackupCount),
			zap.String("replication", replication.String()),
			zap.String("read_locator", readLocator.String()))
	}

	// Create gRPC server
	grpcServer := transport.NewGRPCServer(node, logger)

	listener, err := net.Listen("tcp", self.Address)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	// Membership: gossip when enabled, otherwise a single-member cluster
	var gossip *topology.GossipSource
	if cfg.Gossip.Enabled {
		gossip, err = topology.NewGossipSource(&topology.GossipConfig{
			BindAddr:       cfg.Member.Host,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, self, logger)
		if err != nil {
			logger.Fatal("Failed to initialize gossip", zap.Error(err))
		}
		go node.Run(ctx, gossip.Events())
		logger.Info("Gossip started", zap.Int("port", gossip.LocalPort()))
	} else {
		if err := node.ApplyViewChange(ctx, model.ViewChange{Version: 1, Added: []model.Member{self}}); err != nil {
			logger.Fatal("Failed to apply initial view", zap.Error(err))
		}
		logger.Warn("Gossip disabled, running as a single-member cluster")
	}

	var adminServer *server.AdminServer
	if cfg.Metrics.Enabled {
		adminServer = server.NewAdminServer(&server.AdminServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			Gatherer:    prometheus.DefaultGatherer,
		}, node, m, logger)
		if err := adminServer.Start(); err != nil {
			logger.Fatal("Failed to start admin server", zap.Error(err))
		}
	}

	logger.Info("Cache member started",
		zap.String("member_id", string(self.ID)),
		zap.String("address", self.Address))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if gossip != nil {
		if err := gossip.Shutdown(5 * time.Second); err != nil {
			logger.Error("Failed to shut down gossip", zap.Error(err))
		}
	}
	cancel()

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error("Failed to stop admin server", zap.Error(err))
		}
	}

	grpcServer.Stop()

	if err := node.Close(); err != nil {
		logger.Error("Failed to close services", zap.Error(err))
	}
	if err := pool.Stop(10 * time.Second); err != nil {
		logger.Error("Failed to stop worker pool", zap.Error(err))
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
