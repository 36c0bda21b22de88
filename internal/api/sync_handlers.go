package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	wpsync "github.com/hyperengineering/waypoint/internal/sync"
	"github.com/hyperengineering/waypoint/internal/types"
)

// MaxBulkBodyBytes caps the size of a bulk sync request body.
const MaxBulkBodyBytes = 32 << 20

// BulkSync handles POST /api/v1/sync/bulk
func (h *Handler) BulkSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing user identity")
		return
	}

	// 1. Parse request; actions are decoded one by one by the processor
	var req wpsync.BulkSyncEnvelope
	body := http.MaxBytesReader(w, r.Body, MaxBulkBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", MaxBulkBodyBytes))
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	// 2. Validate envelope; individual actions are checked by the processor
	if err := validateBulkRequest(req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 3. Apply
	resp, err := h.processor.ApplyEncoded(ctx, userID, req.Actions, req.LastSyncedAt)
	if err != nil {
		slog.Error("bulk sync failed",
			"component", "api",
			"action", "sync_bulk_failed",
			"user_id", userID,
			"actions", len(req.Actions),
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Bulk sync failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)

	slog.Info("bulk sync served",
		"component", "api",
		"action", "sync_bulk",
		"user_id", userID,
		"actions", len(req.Actions),
		"places", len(resp.UpdatedPlaces),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// validateBulkRequest validates the bulk request structure.
func validateBulkRequest(req wpsync.BulkSyncEnvelope) error {
	if req.Actions == nil {
		return fmt.Errorf("actions array is required")
	}
	if len(req.Actions) > wpsync.MaxBulkActions {
		return fmt.Errorf("actions exceeds maximum of %d", wpsync.MaxBulkActions)
	}
	return nil
}

// SyncDelta handles GET /api/v1/sync/delta
func (h *Handler) SyncDelta(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing user identity")
		return
	}

	since, err := parseDeltaRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	places, err := h.delta.ChangesSince(ctx, userID, since)
	if err != nil {
		slog.Error("delta query failed",
			"component", "api",
			"action", "sync_delta_failed",
			"user_id", userID,
			"since", since,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to retrieve delta")
		return
	}

	// Ensure [] not null in JSON
	if places == nil {
		places = []types.Place{}
	}

	writeJSON(w, http.StatusOK, places)

	slog.Info("sync delta served",
		"component", "api",
		"action", "sync_delta",
		"user_id", userID,
		"since", since,
		"places_returned", len(places),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// parseDeltaRequest extracts the since watermark. Missing means the epoch.
func parseDeltaRequest(r *http.Request) (time.Time, error) {
	sinceStr := r.URL.Query().Get("since")
	if sinceStr == "" {
		return time.Unix(0, 0).UTC(), nil
	}

	since, err := time.Parse(time.RFC3339Nano, sinceStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since parameter: must be an RFC 3339 timestamp")
	}
	return since.UTC(), nil
}
