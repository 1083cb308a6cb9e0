package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proptrak/proptrakgo/internal/config"
	"github.com/proptrak/proptrakgo/internal/database"
	"github.com/proptrak/proptrakgo/internal/handlers"
	"github.com/proptrak/proptrakgo/internal/models"
	"github.com/proptrak/proptrakgo/internal/remote"
	"github.com/proptrak/proptrakgo/internal/store"
	syncengine "github.com/proptrak/proptrakgo/internal/sync"
	"github.com/proptrak/proptrakgo/internal/websocket"
)

func main() {
	log.Println("🚀 Starting PropTrak local sync core...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("🔴 Failed to load configuration: %v", err)
	}
	syncCfg := config.LoadSyncConfig()

	// Durable store first; fall back to memory so the app still renders if
	// the local database cannot start. The coordinator syncs far more
	// aggressively in that mode because nothing survives a restart.
	var dataStore store.Store
	var db *database.DB
	db, err = database.Connect(cfg.Database)
	if err != nil {
		log.Printf("⚠️ Local database unavailable, falling back to in-memory store: %v", err)
		dataStore = store.NewMemStore(0)
	} else {
		defer db.Close()
		if err := db.AutoMigrate(&models.Record{}, &models.PendingOperation{}); err != nil {
			log.Fatalf("🔴 Failed to migrate database: %v", err)
		}
		dataStore = store.NewGormStore(db.DB)
	}

	remoteClient := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL:    cfg.Remote.BaseURL,
		Secret:     cfg.SyncSecret,
		InstanceID: cfg.Identity.InstanceID,
		DeviceID:   cfg.Identity.DeviceID,
		UserID:     cfg.Identity.UserID,
		Timeout:    syncCfg.OpTimeout(),
	})

	prober := syncengine.NewHTTPProber(cfg.Remote.BaseURL, syncCfg.ProbeTimeout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The surface is the notifier for everything below it, so it is built
	// first and bound once the rest of the engine exists.
	surface := syncengine.NewSurface()
	monitor := syncengine.NewMonitor(prober, syncCfg.ProbeTimeout(), surface)
	queue := syncengine.NewMutationQueue(dataStore, syncCfg, surface)
	coordinator := syncengine.NewCoordinator(dataStore, queue, remoteClient, monitor, syncCfg, cfg.Identity, surface)
	surface.Bind(dataStore, queue, monitor, coordinator)

	hub := websocket.NewHub()
	go hub.Run()
	surface.AddListener(hub)

	coordinator.Start(ctx)
	defer coordinator.Stop()

	// Assume reachable at boot; the probe decides whether we are online.
	monitor.SetReachable(ctx, true)
	monitor.Start(ctx, 30*time.Second)

	router := handlers.NewRouter(coordinator, queue, monitor, surface, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("✅ PropTrak sync core listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("🔴 Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Server shutdown error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
