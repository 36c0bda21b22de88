package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hyperengineering/waypoint/internal/store"
	wpsync "github.com/hyperengineering/waypoint/internal/sync"
	"github.com/hyperengineering/waypoint/internal/types"
	"github.com/hyperengineering/waypoint/internal/validation"
)

// PlaceStore is the subset of the place CRUD service the processor uses.
type PlaceStore interface {
	FindAll(ctx context.Context, userID string) ([]types.Place, error)
	FindOne(ctx context.Context, userID, id string) (*types.Place, error)
	FindByClientID(ctx context.Context, userID, clientID string) (*types.Place, error)
	Create(ctx context.Context, place *types.Place) error
	Update(ctx context.Context, place *types.Place, expectedVersion int64) error
	SoftDelete(ctx context.Context, userID, id string) (bool, error)
}

// maxUpdateAttempts bounds the compare-and-swap loop for one update action.
const maxUpdateAttempts = 2

// placeHandler applies place actions with last-write-wins conflict detection.
type placeHandler struct {
	store PlaceStore
	hook  Hook
}

// NewPlaceHandler returns the handler for "place" actions.
func NewPlaceHandler(s PlaceStore, hook Hook) EntityHandler {
	if hook == nil {
		hook = LogHook{}
	}
	return &placeHandler{store: s, hook: hook}
}

func (h *placeHandler) Entity() wpsync.EntityType {
	return wpsync.EntityPlace
}

func (h *placeHandler) Apply(ctx context.Context, userID string, a wpsync.Action) (Outcome, error) {
	switch a.ActionType {
	case wpsync.ActionCreate:
		return h.create(ctx, userID, a)
	case wpsync.ActionUpdate:
		return h.update(ctx, userID, a)
	case wpsync.ActionDelete:
		return h.delete(ctx, userID, a)
	}
	return Outcome{}, reject(wpsync.RejectInvalidAction, "unknown action type %q", a.ActionType)
}

// create is keyed by (userID, clientID): a resent create returns the
// existing mapping instead of inserting a second row.
func (h *placeHandler) create(ctx context.Context, userID string, a wpsync.Action) (Outcome, error) {
	patch, err := decodePatch(a.Payload, true)
	if err != nil {
		return Outcome{}, err
	}

	existing, err := h.store.FindByClientID(ctx, userID, a.ClientID)
	if err == nil {
		return mapping(a.ClientID, existing.ID), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, fmt.Errorf("find by client id: %w", err)
	}

	place := &types.Place{
		UserID:     userID,
		ClientID:   a.ClientID,
		ModifiedAt: a.Timestamp.UTC(),
	}
	patch.Apply(place)

	if err := h.store.Create(ctx, place); err != nil {
		if errors.Is(err, store.ErrDuplicateClientID) {
			// Another request created it between the lookup and the insert.
			existing, ferr := h.store.FindByClientID(ctx, userID, a.ClientID)
			if ferr != nil {
				return Outcome{}, fmt.Errorf("find after duplicate: %w", ferr)
			}
			return mapping(a.ClientID, existing.ID), nil
		}
		return Outcome{}, fmt.Errorf("create place: %w", err)
	}

	created := *place
	fire(ctx, "place_created", func(ctx context.Context) error {
		return h.hook.PlaceCreated(ctx, userID, created)
	})
	if created.Visited {
		fire(ctx, "place_visited", func(ctx context.Context) error {
			return h.hook.PlaceVisited(ctx, userID, created)
		})
	}

	return mapping(a.ClientID, place.ID), nil
}

// update applies a partial patch unless the server copy was modified after
// the client's action, in which case the server wins and nothing is written.
func (h *placeHandler) update(ctx context.Context, userID string, a wpsync.Action) (Outcome, error) {
	patch, err := decodePatch(a.Payload, false)
	if err != nil {
		return Outcome{}, err
	}

	for attempt := 1; ; attempt++ {
		current, err := h.resolve(ctx, userID, a)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("update target not found",
				"component", "reconcile",
				"action", "update_skipped",
				"user_id", userID,
				"client_id", a.ClientID,
				"server_id", a.ServerID,
			)
			return Outcome{}, nil
		}
		if err != nil {
			return Outcome{}, err
		}

		if current.ModifiedAt.After(a.Timestamp) {
			return conflict(a.ClientID, *current), nil
		}
		if patch.IsEmpty() {
			return Outcome{}, nil
		}

		wasVisited := current.Visited
		expected := current.Version
		patch.Apply(current)
		current.ModifiedAt = a.Timestamp.UTC()

		err = h.store.Update(ctx, current, expected)
		switch {
		case err == nil:
			if !wasVisited && current.Visited {
				visited := *current
				fire(ctx, "place_visited", func(ctx context.Context) error {
					return h.hook.PlaceVisited(ctx, userID, visited)
				})
			}
			return Outcome{}, nil
		case errors.Is(err, store.ErrNotFound):
			// Deleted concurrently; same as never having existed.
			return Outcome{}, nil
		case errors.Is(err, store.ErrVersionConflict):
			if attempt < maxUpdateAttempts {
				continue
			}
			// Lost the race twice: the other writer is newer than us.
			latest, rerr := h.resolve(ctx, userID, a)
			if rerr != nil {
				if errors.Is(rerr, store.ErrNotFound) {
					return Outcome{}, nil
				}
				return Outcome{}, rerr
			}
			return conflict(a.ClientID, *latest), nil
		default:
			return Outcome{}, fmt.Errorf("update place: %w", err)
		}
	}
}

// delete soft-deletes the target. Missing or already deleted targets are a
// silent no-op.
func (h *placeHandler) delete(ctx context.Context, userID string, a wpsync.Action) (Outcome, error) {
	current, err := h.resolve(ctx, userID, a)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if _, err := h.store.SoftDelete(ctx, userID, current.ID); err != nil {
		return Outcome{}, fmt.Errorf("soft delete place: %w", err)
	}
	return Outcome{}, nil
}

// resolve finds the live target of an update or delete: by server id when
// the action carries one, otherwise by client id.
func (h *placeHandler) resolve(ctx context.Context, userID string, a wpsync.Action) (*types.Place, error) {
	var (
		p   *types.Place
		err error
	)
	if a.ServerID != "" {
		p, err = h.store.FindOne(ctx, userID, a.ServerID)
	} else {
		p, err = h.store.FindByClientID(ctx, userID, a.ClientID)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve place: %w", err)
	}
	return p, err
}

func decodePatch(payload json.RawMessage, isCreate bool) (types.PlacePatch, error) {
	var patch types.PlacePatch
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if isCreate {
			return patch, reject(wpsync.RejectMalformedPayload, "create requires a payload")
		}
		return patch, nil
	}

	if err := json.Unmarshal(trimmed, &patch); err != nil {
		return patch, reject(wpsync.RejectMalformedPayload, "decode payload: %v", err)
	}

	if errs := validation.ValidatePlacePatch(patch, isCreate); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return patch, reject(wpsync.RejectMalformedPayload, "%s", strings.Join(msgs, "; "))
	}
	return patch, nil
}

func mapping(clientID, serverID string) Outcome {
	return Outcome{Mapping: &wpsync.IDMapping{ClientID: clientID, ServerID: serverID}}
}

func conflict(clientID string, server types.Place) Outcome {
	return Outcome{Conflict: &wpsync.SyncConflict{
		ClientID:      clientID,
		ServerVersion: server,
		Resolution:    wpsync.ResolutionServerWins,
	}}
}
