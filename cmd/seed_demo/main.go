// Command seed_demo loads a small demo data set through the regular write
// path, so the seeded records carry real queue entries and sync like any
// field edit would.
package main

import (
	"log"

	"github.com/proptrak/proptrakgo/internal/config"
	"github.com/proptrak/proptrakgo/internal/database"
	"github.com/proptrak/proptrakgo/internal/models"
	"github.com/proptrak/proptrakgo/internal/remote"
	"github.com/proptrak/proptrakgo/internal/store"
	syncengine "github.com/proptrak/proptrakgo/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("🔴 Failed to load configuration: %v", err)
	}
	syncCfg := config.LoadSyncConfig()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("🔴 Failed to connect to local database: %v", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(&models.Record{}, &models.PendingOperation{}); err != nil {
		log.Fatalf("🔴 Failed to migrate database: %v", err)
	}

	dataStore := store.NewGormStore(db.DB)
	remoteClient := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL:    cfg.Remote.BaseURL,
		Secret:     cfg.SyncSecret,
		InstanceID: cfg.Identity.InstanceID,
		DeviceID:   cfg.Identity.DeviceID,
		UserID:     cfg.Identity.UserID,
	})

	surface := syncengine.NewSurface()
	monitor := syncengine.NewMonitor(syncengine.NewHTTPProber(cfg.Remote.BaseURL, syncCfg.ProbeTimeout()), syncCfg.ProbeTimeout(), surface)
	queue := syncengine.NewMutationQueue(dataStore, syncCfg, surface)
	coordinator := syncengine.NewCoordinator(dataStore, queue, remoteClient, monitor, syncCfg, cfg.Identity, surface)
	surface.Bind(dataStore, queue, monitor, coordinator)

	propertyID, err := coordinator.Write(models.CollectionProperties, models.OpCreate, "", map[string]interface{}{
		"address": "14 Birchwood Lane",
		"city":    "Portland",
		"notes":   "Two-story craftsman, exterior repaint",
	})
	if err != nil {
		log.Fatalf("🔴 Failed to seed property: %v", err)
	}

	customerID, err := coordinator.Write(models.CollectionCustomers, models.OpCreate, "", map[string]interface{}{
		"name":  "Hollis & Sons LLC",
		"phone": "+1-503-555-0164",
	})
	if err != nil {
		log.Fatalf("🔴 Failed to seed customer: %v", err)
	}

	phaseID, err := coordinator.Write(models.CollectionPhases, models.OpCreate, "", map[string]interface{}{
		"propertyId": propertyID,
		"name":       "Surface prep",
		"status":     "in_progress",
	})
	if err != nil {
		log.Fatalf("🔴 Failed to seed phase: %v", err)
	}

	if _, err := coordinator.Write(models.CollectionTimeEntries, models.OpCreate, "", map[string]interface{}{
		"propertyId": propertyID,
		"customerId": customerID,
		"startedAt":  "2026-08-29T08:00:00Z",
		"minutes":    240,
	}); err != nil {
		log.Fatalf("🔴 Failed to seed time entry: %v", err)
	}

	if _, err := coordinator.Write(models.CollectionPhotos, models.OpCreate, "", map[string]interface{}{
		"phaseId": phaseID,
		"uri":     "file:///photos/prep-north-wall.jpg",
		"caption": "North wall after scraping",
	}); err != nil {
		log.Fatalf("🔴 Failed to seed photo: %v", err)
	}

	pending, _ := queue.PendingCount()
	log.Printf("✅ Seeded demo data: property %s, %d operations queued for sync", propertyID, pending)
}
