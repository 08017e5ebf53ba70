/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the CNAM bond engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (.env, cnam.toml, CNAM_* variables)
  3. Initialize SQLite store
  4. Import the nomenclature file, when configured
  5. Create services, API handler and router
  6. Start the renewal scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Configuration file (default: ./cnam.toml or ./config/cnam.toml)
  -port    HTTP server port, overrides the configuration
  -db      SQLite database path, overrides the configuration
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/cnam.db"

  # Run with in-memory database and JSON logs
  CNAM_LOG_FORMAT=json ./server -db=":memory:"

  # Import a nomenclature at startup
  CNAM_NOMENCLATURE_FILE=./nomenclature.json ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
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

	log "github.com/sirupsen/logrus"

	"github.com/warp/cnam-engine/api"
	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/config"
	"github.com/warp/cnam-engine/factory"
	"github.com/warp/cnam-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	cfg.ConfigureLogger()

	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.WithError(err).WithField("path", cfg.DB.Path).Fatal("failed to initialize database")
	}
	defer store.Close()

	if cfg.Nomenclature.File != "" {
		if err := importNomenclature(context.Background(), store, cfg.Nomenclature.File); err != nil {
			log.WithError(err).WithField("file", cfg.Nomenclature.File).Fatal("failed to import nomenclature")
		}
	}

	logger := log.StandardLogger()
	bonds := cnam.NewBondRegistry(store, cfg.BondPolicy(), logger)
	billing := cnam.NewRentalBilling(store, cfg.BillingPolicy(), logger)

	handler := api.NewHandler(store, bonds, billing, logger)
	router := api.NewRouter(handler, cfg.CORS.AllowedOrigins)

	scheduler := api.NewRenewalScheduler(bonds, store, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(log.Fields{
			"port": cfg.HTTP.Port,
			"db":   cfg.DB.Path,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
		return
	}

	log.Info("server stopped")
}

// importNomenclature loads a nomenclature JSON file into the store.
func importNomenclature(ctx context.Context, store *sqlite.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	entries, err := factory.ParseNomenclature(data)
	if err != nil {
		return err
	}
	if err := store.SaveNomenclature(ctx, entries); err != nil {
		return err
	}
	log.WithFields(log.Fields{"file": path, "entries": len(entries)}).Info("nomenclature imported")
	return nil
}
