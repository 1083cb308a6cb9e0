package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/proptrak/proptrakgo/internal/models"
	"github.com/proptrak/proptrakgo/internal/store"
)

// recordView is what the UI renders: the payload plus the sync badge fields.
type recordView struct {
	ID           string                 `json:"id"`
	Collection   string                 `json:"collection"`
	Payload      map[string]interface{} `json:"payload"`
	SyncState    models.SyncState       `json:"syncState"`
	Conflict     bool                   `json:"conflict"`
	Version      int64                  `json:"version"`
	LastModified string                 `json:"lastModified"`
}

func toView(rec *models.Record) (*recordView, error) {
	payload, err := models.DecodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	return &recordView{
		ID:           rec.RecordID,
		Collection:   rec.Collection,
		Payload:      payload,
		SyncState:    rec.SyncState,
		Conflict:     rec.Conflict,
		Version:      rec.Version,
		LastModified: rec.LastModified.Format("2006-01-02T15:04:05.000Z07:00"),
	}, nil
}

func (r *Router) handleListRecords(w http.ResponseWriter, req *http.Request) {
	collection := mux.Vars(req)["collection"]
	recs, err := r.coordinator.List(collection)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	views := make([]*recordView, 0, len(recs))
	for i := range recs {
		v, err := toView(&recs[i])
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to decode record payload")
			return
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, views)
}

func (r *Router) handleGetRecord(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	rec, err := r.coordinator.Read(vars["collection"], vars["id"])
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read record")
		return
	}
	v, err := toView(rec)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to decode record payload")
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (r *Router) handleCreateRecord(w http.ResponseWriter, req *http.Request) {
	collection := mux.Vars(req)["collection"]
	var payload map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := r.coordinator.Write(collection, models.OpCreate, "", payload)
	if err != nil {
		writeErrorStatus(w, err)
		return
	}

	rec, err := r.coordinator.Read(collection, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "record created but could not be read back")
		return
	}
	v, _ := toView(rec)
	respondJSON(w, http.StatusCreated, v)
}

func (r *Router) handleUpdateRecord(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	var payload map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := r.coordinator.Write(vars["collection"], models.OpUpdate, vars["id"], payload); err != nil {
		writeErrorStatus(w, err)
		return
	}

	rec, err := r.coordinator.Read(vars["collection"], vars["id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "record updated but could not be read back")
		return
	}
	v, _ := toView(rec)
	respondJSON(w, http.StatusOK, v)
}

func (r *Router) handleDeleteRecord(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	if _, err := r.coordinator.Write(vars["collection"], models.OpDelete, vars["id"], nil); err != nil {
		writeErrorStatus(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	collection := mux.Vars(req)["collection"]
	applied, err := r.coordinator.Refresh(req.Context(), collection)
	if err != nil {
		respondError(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"applied": applied})
}

// writeErrorStatus maps local-write failures to HTTP statuses. Storage
// exhaustion is its own status so the UI can tell the user to free space
// instead of showing a generic failure.
func writeErrorStatus(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrStorageExhausted):
		respondError(w, http.StatusInsufficientStorage, "local storage is full; the change was not saved")
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "record not found")
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}
