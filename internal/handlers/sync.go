package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/proptrak/proptrakgo/internal/store"
)

func (r *Router) handleSyncStatus(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.surface.Snapshot())
}

func (r *Router) handleRecordStatuses(w http.ResponseWriter, req *http.Request) {
	statuses, err := r.surface.PerRecordStatus(mux.Vars(req)["collection"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read record statuses")
		return
	}
	respondJSON(w, http.StatusOK, statuses)
}

func (r *Router) handleSyncNow(w http.ResponseWriter, req *http.Request) {
	result := r.coordinator.SyncNow()

	wait := req.URL.Query().Get("wait") == "true"
	if !wait {
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
		return
	}

	select {
	case summary := <-result:
		respondJSON(w, http.StatusOK, summary)
	case <-time.After(2 * time.Minute):
		respondError(w, http.StatusGatewayTimeout, "sync did not complete in time")
	case <-req.Context().Done():
	}
}

// handleSetConnectivity ingests the platform reachability signal. The device
// shell calls this when the OS reports a network change.
func (r *Router) handleSetConnectivity(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Reachable bool `json:"reachable"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	r.monitor.SetReachable(req.Context(), body.Reachable)
	respondJSON(w, http.StatusOK, map[string]bool{"online": r.monitor.Online()})
}

// handleResume is called by the device shell when the app returns to the
// foreground: re-probe reachability and kick a drain if we are online.
func (r *Router) handleResume(w http.ResponseWriter, req *http.Request) {
	r.monitor.Recheck(req.Context())
	if r.monitor.Online() {
		r.coordinator.SyncNow()
	}
	respondJSON(w, http.StatusOK, r.surface.Snapshot())
}

func (r *Router) handleListQueue(w http.ResponseWriter, req *http.Request) {
	ops, err := r.queue.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}
	respondJSON(w, http.StatusOK, ops)
}

func (r *Router) handleRetryOp(w http.ResponseWriter, req *http.Request) {
	seq, ok := parseSeq(w, req)
	if !ok {
		return
	}
	if err := r.queue.Retry(seq); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "queue entry not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if r.monitor.Online() {
		r.coordinator.SyncNow()
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "retry scheduled"})
}

func (r *Router) handleDiscardOp(w http.ResponseWriter, req *http.Request) {
	seq, ok := parseSeq(w, req)
	if !ok {
		return
	}
	if err := r.queue.Discard(seq); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "queue entry not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to discard queue entry")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func parseSeq(w http.ResponseWriter, req *http.Request) (uint64, bool) {
	seq, err := strconv.ParseUint(mux.Vars(req)["seq"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid queue sequence number")
		return 0, false
	}
	return seq, true
}
