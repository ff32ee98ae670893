// Package main provides the API server entry point for the portfolio aggregator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-aggregator/internal/api"
	"github.com/portfolio-aggregator/internal/app"
	"github.com/portfolio-aggregator/internal/config"
	"github.com/portfolio-aggregator/internal/logging"
)

func main() {
	fmt.Println("Portfolio Aggregator API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	logger.Info("Connecting to databases...")
	application, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer application.Close()

	logger.WithFields(map[string]interface{}{
		"providers":    application.Registry.Providers(),
		"baseCurrency": application.Converter.Base(),
		"cacheTTL":     cfg.Cache.TTL.String(),
	}).Info("Services initialized")

	// Warm the exchange-rate snapshot; conversions pass amounts through until one exists
	warmCtx, warmCancel := context.WithTimeout(context.Background(), cfg.Fetch.Timeout)
	if err := application.Converter.Refresh(warmCtx); err != nil {
		logger.WithError(err).Warn("Initial exchange rate refresh failed")
	}
	warmCancel()

	if err := application.Converter.Start(cfg.FX.RefreshSchedule); err != nil {
		logger.WithError(err).Fatal("Failed to schedule exchange rate refresh")
	}
	defer func() {
		if err := application.Converter.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop exchange rate refresher")
		}
	}()

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    cfg.Fetch.Timeout + 15*time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		FreeTierRPS:     cfg.RateLimit.FreeTier,
		BasicTierRPS:    cfg.RateLimit.BasicTier,
		PremiumTierRPS:  cfg.RateLimit.PremiumTier,
	}

	healthChecks := make(map[string]api.HealthCheck)
	for name, check := range application.HealthChecks() {
		healthChecks[name] = check
	}

	server := api.NewServer(serverConfig, application.Aggregator, application.ConnectionService, healthChecks, logger)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
