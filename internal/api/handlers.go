package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	wpsync "github.com/hyperengineering/waypoint/internal/sync"
	"github.com/hyperengineering/waypoint/internal/types"
)

// PlaceReader is the read side of the place store the handlers use.
type PlaceReader interface {
	FindAll(ctx context.Context, userID string) ([]types.Place, error)
	FindOne(ctx context.Context, userID, id string) (*types.Place, error)
	GetStats(ctx context.Context) (*types.StoreStats, error)
}

// BatchProcessor applies bulk sync batches. Actions arrive undecoded.
type BatchProcessor interface {
	ApplyEncoded(ctx context.Context, userID string, actions []json.RawMessage, lastSyncedAt *time.Time) (*wpsync.BulkSyncResponse, error)
}

// DeltaSource answers delta queries.
type DeltaSource interface {
	ChangesSince(ctx context.Context, userID string, since time.Time) ([]types.Place, error)
}

// Handler implements the API handlers
type Handler struct {
	store     PlaceReader
	processor BatchProcessor
	delta     DeltaSource
	jwtSecret []byte
	version   string
}

// NewHandler creates a new Handler.
func NewHandler(s PlaceReader, p BatchProcessor, d DeltaSource, jwtSecret []byte, version string) *Handler {
	return &Handler{
		store:     s,
		processor: p,
		delta:     d,
		jwtSecret: jwtSecret,
		version:   version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		slog.Error("health stats failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		PlaceCount: stats.PlaceCount,
	})
}

// ListPlaces handles GET /api/v1/places
func (h *Handler) ListPlaces(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing user identity")
		return
	}

	places, err := h.store.FindAll(r.Context(), userID)
	if err != nil {
		slog.Error("list places failed", "component", "api", "user_id", userID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, places)
}

// GetPlace handles GET /api/v1/places/{id}
func (h *Handler) GetPlace(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing user identity")
		return
	}

	place, err := h.store.FindOne(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, place)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
