package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/services"
)

// SyncHandler exposes the sync engine over the control API
type SyncHandler struct {
	manualSync     *services.ManualSyncService
	albumSync      *services.AlbumSyncService
	backgroundSync *services.BackgroundSyncService
	batches        *services.BatchService
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(
	manualSync *services.ManualSyncService,
	albumSync *services.AlbumSyncService,
	backgroundSync *services.BackgroundSyncService,
	batches *services.BatchService,
) *SyncHandler {
	return &SyncHandler{
		manualSync:     manualSync,
		albumSync:      albumSync,
		backgroundSync: backgroundSync,
		batches:        batches,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}

// GetBatches returns all pending review batches. With ?unreviewed=true
// only batches still awaiting review are returned.
func (h *SyncHandler) GetBatches(w http.ResponseWriter, r *http.Request) {
	var batches []models.PendingSyncedPhotosBatch
	if r.URL.Query().Get("unreviewed") == "true" {
		batches = h.batches.UnreviewedBatches(r.Context())
	} else {
		batches = h.batches.PendingBatches(r.Context())
	}
	if batches == nil {
		batches = []models.PendingSyncedPhotosBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

type markReviewedRequest struct {
	BatchIDs []string `json:"batchIds"`
}

// MarkBatchesReviewed flips the given batches to reviewed
func (h *SyncHandler) MarkBatchesReviewed(w http.ResponseWriter, r *http.Request) {
	var req markReviewedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if len(req.BatchIDs) == 0 {
		writeError(w, http.StatusBadRequest, "batchIds is required.")
		return
	}

	flipped, err := h.batches.MarkBatchesReviewed(r.Context(), req.BatchIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update batches.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reviewed": flipped})
}

// ManualSync runs a user-triggered collection pass. When unreviewed
// batches already exist the pass is refused so the user reviews them
// first; ?force=true overrides that.
func (h *SyncHandler) ManualSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.URL.Query().Get("force") != "true" {
		existing := h.manualSync.CheckExistingBatches(ctx)
		if len(existing.BatchIDs) > 0 {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"status":   "existing_batches",
				"existing": existing,
			})
			return
		}
	}

	fullResult, limitedOutcome, err := h.manualSync.Sync(ctx)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSyncInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, models.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if limitedOutcome != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "limited",
			"outcome": limitedOutcome,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "full",
		"result": fullResult,
	})
}

// AlbumSync runs one remote-to-local sync pass and returns its result
func (h *SyncHandler) AlbumSync(w http.ResponseWriter, r *http.Request) {
	if h.albumSync == nil {
		writeError(w, http.StatusServiceUnavailable, "No remote backend configured.")
		return
	}
	result, err := h.albumSync.SyncPhotosFromCameras(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSyncInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, models.ErrNoCurrentUser):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AlbumSyncStatus reports the album sync queue and kill switch
func (h *SyncHandler) AlbumSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.albumSync == nil {
		writeError(w, http.StatusServiceUnavailable, "No remote backend configured.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"syncing": h.albumSync.IsSyncing(),
		"enabled": h.albumSync.IsSyncEnabled(),
		"queue":   h.albumSync.QueueStatus(),
	})
}

type syncEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetAlbumSyncEnabled toggles the album sync kill switch
func (h *SyncHandler) SetAlbumSyncEnabled(w http.ResponseWriter, r *http.Request) {
	if h.albumSync == nil {
		writeError(w, http.StatusServiceUnavailable, "No remote backend configured.")
		return
	}
	var req syncEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	h.albumSync.SetSyncEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// BackgroundStatus returns the background runner status
func (h *SyncHandler) BackgroundStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backgroundSync.GetStatus())
}

// StartBackground enables the background runner
func (h *SyncHandler) StartBackground(w http.ResponseWriter, r *http.Request) {
	h.backgroundSync.Start()
	writeJSON(w, http.StatusOK, h.backgroundSync.GetStatus())
}

// StopBackground disables the background runner
func (h *SyncHandler) StopBackground(w http.ResponseWriter, r *http.Request) {
	h.backgroundSync.Stop()
	writeJSON(w, http.StatusOK, h.backgroundSync.GetStatus())
}

// RunBackgroundNow triggers an immediate background pass
func (h *SyncHandler) RunBackgroundNow(w http.ResponseWriter, r *http.Request) {
	h.backgroundSync.RunNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}
