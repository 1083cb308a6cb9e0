// Package handlers wires the local HTTP surface the device UI talks to:
// record CRUD, sync status and queue administration.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	syncengine "github.com/proptrak/proptrakgo/internal/sync"
	"github.com/proptrak/proptrakgo/internal/websocket"
)

// Router wraps mux.Router with the handler dependencies.
type Router struct {
	*mux.Router
	coordinator *syncengine.Coordinator
	queue       *syncengine.MutationQueue
	monitor     *syncengine.Monitor
	surface     *syncengine.Surface
	hub         *websocket.Hub
}

// NewRouter creates the router and registers all routes.
func NewRouter(coordinator *syncengine.Coordinator, queue *syncengine.MutationQueue, monitor *syncengine.Monitor, surface *syncengine.Surface, hub *websocket.Hub) *Router {
	r := &Router{
		Router:      mux.NewRouter(),
		coordinator: coordinator,
		queue:       queue,
		monitor:     monitor,
		surface:     surface,
		hub:         hub,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.HandleFunc("/health", r.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Record CRUD, always served from the local store.
	api.HandleFunc("/records/{collection}", r.handleListRecords).Methods("GET")
	api.HandleFunc("/records/{collection}", r.handleCreateRecord).Methods("POST")
	api.HandleFunc("/records/{collection}/{id}", r.handleGetRecord).Methods("GET")
	api.HandleFunc("/records/{collection}/{id}", r.handleUpdateRecord).Methods("PUT")
	api.HandleFunc("/records/{collection}/{id}", r.handleDeleteRecord).Methods("DELETE")
	api.HandleFunc("/records/{collection}/refresh", r.handleRefresh).Methods("POST")

	// Sync status and queue administration.
	api.HandleFunc("/sync/status", r.handleSyncStatus).Methods("GET")
	api.HandleFunc("/sync/status/{collection}", r.handleRecordStatuses).Methods("GET")
	api.HandleFunc("/sync/now", r.handleSyncNow).Methods("POST")
	api.HandleFunc("/sync/connectivity", r.handleSetConnectivity).Methods("POST")
	api.HandleFunc("/sync/resume", r.handleResume).Methods("POST")
	api.HandleFunc("/sync/queue", r.handleListQueue).Methods("GET")
	api.HandleFunc("/sync/queue/{seq}/retry", r.handleRetryOp).Methods("POST")
	api.HandleFunc("/sync/queue/{seq}/discard", r.handleDiscardOp).Methods("POST")

	r.HandleFunc("/ws", r.handleWebSocket)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	websocket.ServeWs(r.hub, w, req)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("⚠️ Failed to encode response: %v", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
