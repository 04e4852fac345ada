/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the attendance engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment (config.Load)
  2. Parse command-line flags (override the environment)
  3. Initialize SQLite store and business clock
  4. Create API handler with dependencies
  5. Start the forced-checkout scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: $PORT or 8080)
  -db         SQLite database path (default: $DB_PATH or attendance.db)
              Use ":memory:" for in-memory database
  -tz         Business timezone (default: $BUSINESS_TZ or Asia/Tokyo)
  -scheduler  Run the in-process forced-checkout cron (default: $SCHEDULER_ENABLED)

ENVIRONMENT:
  See config/config.go for the full list.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Wait for background cache writes
  5. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/attendance.db"

  # Run with in-memory database, no scheduler
  ./server -db=":memory:" -scheduler=false

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/warp/attendance-engine/api"
	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/checkout"
	"github.com/warp/attendance-engine/config"
	"github.com/warp/attendance-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	tz := flag.String("tz", cfg.BusinessTZ, "Business timezone (IANA name)")
	schedulerEnabled := flag.Bool("scheduler", cfg.SchedulerEnabled, "Run the forced-checkout scheduler")
	flag.Parse()

	clock, err := attendance.LoadBusinessClock(*tz)
	if err != nil {
		log.Fatalf("Invalid timezone: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store, clock)
	handler.Runner.Defaults = cfg.CronSettings()
	if err := checkout.ValidateSettings(handler.Runner.Defaults); err != nil {
		log.Fatalf("Invalid checkout window: %v", err)
	}

	scheduler := checkout.NewScheduler(handler.Runner, cfg.CheckoutCron)
	scheduler.Enabled = *schedulerEnabled
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	handler.Scheduler = scheduler

	// Create router
	router := api.NewRouter(handler, cfg.CORSOrigins)

	// Create server
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", *port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: link status streams stay open
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		log.Printf("🕒 Business timezone %s, today is %s", *tz, clock.DateKeyOf(time.Now()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	handler.Monthly.Wait()

	log.Println("Server stopped")
}
