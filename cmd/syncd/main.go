package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phomo/syncengine/internal/config"
	"github.com/phomo/syncengine/internal/handlers"
	"github.com/phomo/syncengine/internal/library"
	custommw "github.com/phomo/syncengine/internal/middleware"
	"github.com/phomo/syncengine/internal/observability"
	"github.com/phomo/syncengine/internal/push"
	"github.com/phomo/syncengine/internal/remote"
	"github.com/phomo/syncengine/internal/repository"
	"github.com/phomo/syncengine/internal/services"
	"github.com/phomo/syncengine/internal/state"
)

const serviceVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize telemetry
	ctx := context.Background()
	telemetry, err := observability.Initialize(ctx, observability.NewConfig("syncengine", serviceVersion))
	if err != nil {
		log.Printf("Warning: telemetry initialization failed: %v", err)
	}

	// Initialize the sync state store
	var kv repository.KVStore
	if cfg.UsePostgres() {
		log.Println("Using PostgreSQL state store")
		db, err := repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL database: %v", err)
		}
		defer db.Close()
		kv = repository.NewKVRepository(db)
	} else {
		log.Println("Using SQLite state store")
		db, err := repository.NewSQLiteDB(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite database: %v", err)
		}
		defer db.Close()
		kv = repository.NewKVRepository(db)
	}
	store := state.NewSyncStateStore(kv)

	// Media library over the local filesystem
	lib, err := library.NewFSLibrary(cfg.Library.RootPath)
	if err != nil {
		log.Fatalf("Failed to open media library: %v", err)
	}
	defer lib.Close()

	// Remote backend client
	var remoteSvc remote.Service
	if cfg.Remote.BaseURL != "" {
		remoteSvc = remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey)
	} else {
		log.Println("No remote backend configured; album sync and push are inactive")
	}

	// Push sender
	var sender push.Sender = push.NopSender{}
	if cfg.Push.Enabled {
		fcm, err := push.NewFCMSender(cfg.Push.CredentialsPath)
		if err != nil {
			log.Printf("Warning: FCM initialization failed, push disabled: %v", err)
		} else {
			sender = fcm
		}
	}

	// Event hub for the review UI
	hub := services.NewEventHub()
	go hub.Run()

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		log.Printf("Warning: metrics initialization failed: %v", err)
		metrics = nil
	}

	// Sync engine services
	previews := services.NewPreviewService(cfg.Library.RootPath)
	batchService := services.NewBatchService(store, lib, previews, hub, metrics)
	manualSync := services.NewManualSyncService(store, lib, batchService, cfg.Sync)
	backgroundSync := services.NewBackgroundSyncService(
		store, lib, batchService, remoteSvc, sender, hub, metrics, cfg.Sync, cfg.Library.AlbumName)
	var albumSync *services.AlbumSyncService
	if remoteSvc != nil {
		albumSync = services.NewAlbumSyncService(
			store, lib, remoteSvc, previews, hub, metrics, cfg.Sync, cfg.Library.AlbumName)
	}

	if cfg.Sync.BackgroundEnabled && cfg.Sync.BackgroundAutoStart {
		backgroundSync.Start()
	}

	// Handlers
	healthHandler := handlers.NewHealthHandler()
	syncHandler := handlers.NewSyncHandler(manualSync, albumSync, backgroundSync, batchService)
	wsHandler := handlers.NewWebSocketHandler(hub)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware("syncengine"))
	if httpMetrics, err := observability.NewHTTPMetrics(); err == nil {
		r.Use(observability.MetricsMiddleware(httpMetrics))
	}
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/ws", wsHandler.HandleConnection)

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/batches", syncHandler.GetBatches)
		r.Post("/batches/reviewed", syncHandler.MarkBatchesReviewed)
		r.Post("/manual", syncHandler.ManualSync)
		r.Post("/album", syncHandler.AlbumSync)
		r.Get("/album/status", syncHandler.AlbumSyncStatus)
		r.Post("/album/enabled", syncHandler.SetAlbumSyncEnabled)
		r.Get("/background/status", syncHandler.BackgroundStatus)
		r.Post("/background/start", syncHandler.StartBackground)
		r.Post("/background/stop", syncHandler.StopBackground)
		r.Post("/background/run", syncHandler.RunBackgroundNow)
	})

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Album sync runs inline
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Sync engine daemon starting on %s", cfg.ServerAddress)
		log.Printf("Library root: %s", cfg.Library.RootPath)
		log.Printf("App album: %s", cfg.Library.AlbumName)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	backgroundSync.Stop()
	if albumSync != nil {
		albumSync.SetSyncEnabled(false)
		albumSync.WaitForIdle(10 * time.Second)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("Telemetry shutdown error: %v", err)
		}
	}

	log.Println("Daemon stopped")
}
