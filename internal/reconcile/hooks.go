package reconcile

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/waypoint/internal/types"
)

// Hook receives notifications about successful mutations, for example to
// award points. Calls are fire-and-forget: they run in their own goroutine,
// errors and panics are logged and never affect the sync result.
type Hook interface {
	PlaceCreated(ctx context.Context, userID string, place types.Place) error
	PlaceVisited(ctx context.Context, userID string, place types.Place) error
}

// LogHook logs each event. It is the default when no hook is configured.
type LogHook struct{}

// PlaceCreated implements Hook.
func (LogHook) PlaceCreated(_ context.Context, userID string, place types.Place) error {
	slog.Info("place created",
		"component", "hook",
		"user_id", userID,
		"place_id", place.ID,
	)
	return nil
}

// PlaceVisited implements Hook.
func (LogHook) PlaceVisited(_ context.Context, userID string, place types.Place) error {
	slog.Info("place visited",
		"component", "hook",
		"user_id", userID,
		"place_id", place.ID,
		"with_geo", place.VisitedWithGeo,
	)
	return nil
}

// fire runs fn detached from the request. The request context may be
// cancelled as soon as the response is written.
func fire(ctx context.Context, event string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("hook panic",
					"component", "hook",
					"event", event,
					"panic", r,
				)
			}
		}()
		if err := fn(ctx); err != nil {
			slog.Warn("hook failed",
				"component", "hook",
				"event", event,
				"error", err,
			)
		}
	}()
}
