package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pix-service/pix_service/internal/api/routes"
	"github.com/pix-service/pix_service/internal/infrastructure/config"
	"github.com/pix-service/pix_service/internal/infrastructure/database"
	"github.com/pix-service/pix_service/internal/infrastructure/di"
	"github.com/pix-service/pix_service/pkg/logger"
	"github.com/pix-service/pix_service/pkg/tracing"
)

const shutdownTimeout = 30 * time.Second

// Application represents the main application
type Application struct {
	cfg       *config.Config
	log       *logger.Logger
	server    *http.Server
	container *di.Container

	// Background work
	workersCtx    context.Context
	workersCancel context.CancelFunc
	stopWatch     func()

	// Tracing
	tracingShutdown func(context.Context) error
}

// NewApplication creates a new application instance
func NewApplication() *Application {
	return &Application{}
}

// Initialize loads configuration and builds the service graph
func (app *Application) Initialize() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.cfg = cfg

	app.log = logger.New(cfg.LogLevel, cfg.Environment)

	if err := app.initializeTracing(); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	ctx := context.Background()
	db, err := database.NewConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(db, app.log.Zap()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	container, err := di.NewContainer(ctx, cfg, db, app.log)
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}
	app.container = container

	if err := container.SyncFacilitators(ctx); err != nil {
		return err
	}

	app.initializeServer()
	return nil
}

// initializeTracing initializes OpenTelemetry tracing
func (app *Application) initializeTracing() error {
	tracingConfig := tracing.Config{
		Enabled:      app.cfg.Tracing.Enabled,
		CollectorURL: app.cfg.Tracing.CollectorURL,
		Environment:  app.cfg.Environment,
		SampleRate:   getSampleRate(app.cfg.Environment),
	}

	shutdown, err := tracing.InitTracer(context.Background(), tracingConfig, app.log.Zap())
	if err != nil {
		return err
	}
	app.tracingShutdown = shutdown
	if tracingConfig.Enabled {
		app.log.Info("OpenTelemetry tracing initialized", "collector_url", tracingConfig.CollectorURL)
	}
	return nil
}

// initializeServer initializes the HTTP server
func (app *Application) initializeServer() {
	if app.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	app.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler:        routes.SetupRoutes(app.container),
		ReadTimeout:    time.Duration(app.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(app.cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// Start starts background workers and the HTTP server
func (app *Application) Start() error {
	app.workersCtx, app.workersCancel = context.WithCancel(context.Background())

	if err := app.startWorkers(); err != nil {
		return err
	}

	go func() {
		app.log.Info("Starting server",
			"port", app.cfg.Server.Port,
			"environment", app.cfg.Environment,
			"gateway", app.cfg.Gateway.Provider,
		)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.Fatal("Failed to start server", "error", err)
		}
	}()

	go database.ReportPoolStats(app.workersCtx, app.container.DB, 30*time.Second)

	return nil
}

func (app *Application) startWorkers() error {
	c := app.container

	if c.MappingLoader != nil {
		stop, err := c.MappingLoader.Watch()
		if err != nil {
			return fmt.Errorf("failed to watch status mapping: %w", err)
		}
		app.stopWatch = stop
		app.log.Info("Status mapping hot reload enabled", "path", app.cfg.Gateway.StatusMappingFile)
	}

	if app.cfg.Reconciliation.Enabled {
		if err := c.Poller.Start(); err != nil {
			return fmt.Errorf("failed to start reconciliation poller: %w", err)
		}
	}

	if c.Relay != nil {
		c.Relay.Start(app.workersCtx)
		app.log.Info("Intent relay started", "brokers", app.cfg.Kafka.Brokers)
	}
	return nil
}

// Shutdown drains the server, then the workers, then releases resources
func (app *Application) Shutdown() error {
	app.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.Error("Server forced to shutdown", "error", err)
		shutdownErr = err
	}

	app.stopWorkers()

	if err := app.container.Close(); err != nil {
		app.log.Warn("Error releasing resources", "error", err)
	}
	if err := app.container.DB.Close(); err != nil {
		app.log.Warn("Error closing database", "error", err)
	}

	if app.tracingShutdown != nil {
		if err := app.tracingShutdown(ctx); err != nil {
			app.log.Warn("Error flushing traces", "error", err)
		}
	}

	app.log.Info("Server exited gracefully")
	_ = app.log.Sync()
	return shutdownErr
}

func (app *Application) stopWorkers() {
	c := app.container

	if app.stopWatch != nil {
		app.stopWatch()
	}

	if app.cfg.Reconciliation.Enabled {
		app.log.Info("Stopping reconciliation poller...")
		if err := c.Poller.Shutdown(shutdownTimeout); err != nil {
			app.log.Warn("Error stopping reconciliation poller", "error", err)
		}
	}

	if c.Relay != nil {
		app.log.Info("Stopping intent relay...")
		if err := c.Relay.Shutdown(shutdownTimeout); err != nil {
			app.log.Warn("Error stopping intent relay", "error", err)
		}
	}

	if app.workersCancel != nil {
		app.workersCancel()
	}
}

// WaitForShutdown waits for interrupt signal
func (app *Application) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// getSampleRate returns appropriate sampling rate based on environment
func getSampleRate(env string) float64 {
	switch env {
	case "production":
		return 0.1
	case "staging":
		return 0.5
	default:
		return 1.0
	}
}
