package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peersec/peerca/internal/api"
	"github.com/peersec/peerca/internal/ca"
	"github.com/peersec/peerca/internal/config"
	"github.com/peersec/peerca/internal/database"
	"github.com/peersec/peerca/internal/directory"
	"github.com/peersec/peerca/internal/mail"
	"github.com/peersec/peerca/internal/ra"
	"github.com/peersec/peerca/internal/server"
)

const version = "0.1.0"

func main() {
	// Parse command line flags
	flags, configFile, showVersion := config.ParseFlags()

	// Handle version flag
	if showVersion {
		fmt.Printf("PeerCA v%s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		log.Fatalf("Failed to apply flags: %v", err)
	}

	// Initialize logger
	logger, err := initLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting PeerCA",
		zap.String("version", version),
		zap.String("database", cfg.Database.Type),
	)

	// Initialize database
	db, err := database.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Bootstrap the certification authority
	authority := ca.New(cfg, db, logger)
	if err := authority.Bootstrap(); err != nil {
		logger.Fatal("Failed to bootstrap certification authority", zap.Error(err))
	}

	// Wire up the notification subsystem and the protocol services
	sender := &mail.SMTPSender{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		From:     cfg.SMTP.Sender,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	}
	notifier := mail.New(cfg, db, sender, logger)
	authority.SetNotifier(notifier)

	registration := ra.New(cfg, db, authority, notifier, logger)
	dir := directory.New(cfg, db, authority, notifier, logger)

	// Start the protocol server
	srv := server.New(cfg, authority, registration, dir, notifier, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start protocol server", zap.Error(err))
	}

	// Start the admin HTTP server if enabled
	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		router := api.NewRouter(cfg, authority, registration, logger)
		adminSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
			Handler: router,
		}
		go func() {
			logger.Info("Starting admin HTTP server", zap.String("address", adminSrv.Addr))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Admin server failed to start", zap.Error(err))
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			logger.Error("Admin server forced to shutdown", zap.Error(err))
		}
	}
	if err := srv.Stop(ctx); err != nil {
		logger.Error("Protocol server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	// Set log level
	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zapConfig.Build()
}
