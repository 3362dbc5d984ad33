package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/broker"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/config"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/dispatch"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/idetask"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/orchestrator"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/remotetask"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/report"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/sandbox"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/testdata"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/webapi"
	"github.com/FouGuai/fuzoj-judge-worker/pkg/utils/logger"
)

const (
	defaultConfigPath  = "judge-worker.yaml"
	defaultHealthAddr  = "0.0.0.0:9090"
	shutdownTimeout    = 10 * time.Second
	webAPITimeout      = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	healthAddr := flag.String("health-addr", defaultHealthAddr, "address for health/metrics endpoints")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zapLogger := logger.GetLogger().WithContext(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor, err := sandbox.NewExecutor(ctx, zapLogger)
	if err != nil {
		logger.Error(ctx, "init sandbox executor failed", zap.Error(err))
		os.Exit(1)
	}
	defer executor.Close()

	apiClient := webapi.New(cfg.WebAPIURL, cfg.JudgerUUID, webAPITimeout)
	bundles := testdata.NewBundleCache(filepath.Join(cfg.DataDir, ".bundles"))
	sync := testdata.New(apiClient, apiClient, bundles)
	reporter := report.New(apiClient, cfg.JudgerUUID, zapLogger)
	orch := orchestrator.New(apiClient, sync, reporter, executor, cfg.DockerImage, cfg.DataDir)

	kafkaQueue, err := broker.NewKafkaQueue(broker.KafkaConfig{
		Brokers:  []string{cfg.BrokerURL},
		ClientID: "judge-worker-" + cfg.JudgerUUID,
	})
	if err != nil {
		logger.Error(ctx, "init broker failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = kafkaQueue.Close() }()

	ideHandler := idetask.New(apiClient, zapLogger)
	remoteHandler := remotetask.New(zapLogger)

	dispatcher := dispatch.New(kafkaQueue, orch, ideHandler, remoteHandler, dispatch.Config{
		MaxTasksSametime:      cfg.MaxTasksSametime,
		MaxRemoteTaskSametime: cfg.MaxRemoteTaskSametime,
		PrefetchCount:         cfg.PrefetchCount,
	}, zapLogger)

	if err := dispatcher.Start(ctx); err != nil {
		logger.Error(ctx, "start dispatcher failed", zap.Error(err))
		os.Exit(1)
	}

	httpServer := buildHealthServer(*healthAddr)
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "health server started", zap.String("addr", *healthAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "health server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "health server shutdown failed", zap.Error(err))
	}
	if err := dispatcher.Stop(); err != nil {
		logger.Error(ctx, "dispatcher stop failed", zap.Error(err))
	}
}

func buildHealthServer(addr string) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
