package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"dbpool/pkg/api"
	"dbpool/pkg/config"
	"dbpool/pkg/health"
	"dbpool/pkg/logger"
	"dbpool/pkg/pool"
)

func main() {
	configPath := flag.String("config", "", "Config file path (optional)")
	addr := flag.String("addr", "", "API listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.API.Address = *addr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger.Init(logger.LogLevel(cfg.Logging.Level), cfg.Logging.Format)
	log := logger.Get()
	log.Info("starting dbpoold", "config", cfg.String())

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	mgr := pool.NewManager(pool.Config{
		Path:           cfg.Database.Path,
		MaxConnections: cfg.Database.MaxConnections,
		MinConnections: cfg.Database.MinConnections,
		AcquireTimeout: cfg.Database.AcquireTimeout(),
		IdleTimeout:    cfg.Database.IdleTimeout(),
		ReapInterval:   cfg.Database.ReapInterval(),
		BusyTimeout:    time.Duration(cfg.Database.BusyTimeoutMs) * time.Millisecond,
		CacheSizeKB:    cfg.Database.CacheSizeKB,
	})

	// Surface database problems at boot instead of on the first caller.
	if report := mgr.HealthCheck(context.Background()); report.Status != pool.StatusHealthy {
		log.Error("initial health check failed", "error", report.Error)
		os.Exit(1)
	}

	monitor := health.NewMonitor()
	monitor.SetComponentStatus("connection_pool", health.StatusHealthy, "")

	handler := api.NewHandler(mgr, monitor, time.Duration(cfg.API.StatsPushIntervalMs)*time.Millisecond)
	srv := &http.Server{
		Addr:    cfg.API.Address,
		Handler: handler.Router(),
	}

	go func() {
		log.Info("api listening", "addr", cfg.API.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorWithErr("api server failed", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.ErrorWithErr("http shutdown failed", err)
	}
	if err := mgr.Close(); err != nil {
		log.ErrorWithErr("pool shutdown failed", err)
	}
	log.Info("stopped")
}
