// Package reconcile applies batches of offline mutations to the server store
// and answers delta queries.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	wpsync "github.com/hyperengineering/waypoint/internal/sync"
	"github.com/hyperengineering/waypoint/internal/validation"
)

// Processor applies bulk sync batches. Every action runs on its own: there
// is no transaction spanning the batch, so each action must be idempotent.
type Processor struct {
	store    PlaceStore
	registry *Registry
	hook     Hook
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithHook sets the hook notified of creates and visits.
func WithHook(h Hook) Option {
	return func(p *Processor) {
		p.hook = h
	}
}

// WithClock overrides the processor's clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a processor with the place handler registered.
// Further entity kinds can be added through Registry().
func NewProcessor(s PlaceStore, opts ...Option) *Processor {
	p := &Processor{
		store:    s,
		registry: NewRegistry(),
		hook:     LogHook{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.registry.Register(NewPlaceHandler(s, p.hook))
	return p
}

// Registry returns the processor's entity handler registry.
func (p *Processor) Registry() *Registry {
	return p.registry
}

// ApplyBatch applies actions in order on behalf of userID. A failing action
// is logged and reported in Rejected; it never aborts its siblings. The
// response lists every live place of the user, not a diff.
// The batch runs to completion even if ctx is cancelled.
func (p *Processor) ApplyBatch(ctx context.Context, userID string, actions []wpsync.Action, lastSyncedAt *time.Time) (*wpsync.BulkSyncResponse, error) {
	items := make([]batchItem, len(actions))
	for i, a := range actions {
		items[i] = batchItem{action: a}
	}
	return p.apply(ctx, userID, items, lastSyncedAt)
}

// ApplyEncoded is ApplyBatch for actions still in their wire form. An
// action that does not decode is rejected as invalid_action.
func (p *Processor) ApplyEncoded(ctx context.Context, userID string, actions []json.RawMessage, lastSyncedAt *time.Time) (*wpsync.BulkSyncResponse, error) {
	items := make([]batchItem, len(actions))
	for i, raw := range actions {
		items[i] = decodeAction(raw)
	}
	return p.apply(ctx, userID, items, lastSyncedAt)
}

type batchItem struct {
	action    wpsync.Action
	decodeErr error
}

// decodeAction unmarshals one action. On failure the identifying fields
// that can still be read are kept so the client can match the rejection.
func decodeAction(raw json.RawMessage) batchItem {
	var a wpsync.Action
	err := json.Unmarshal(raw, &a)
	if err == nil {
		return batchItem{action: a}
	}

	var fields map[string]json.RawMessage
	_ = json.Unmarshal(raw, &fields)
	var id wpsync.Action
	_ = json.Unmarshal(fields["clientId"], &id.ClientID)
	_ = json.Unmarshal(fields["actionType"], &id.ActionType)
	_ = json.Unmarshal(fields["entityType"], &id.EntityType)
	return batchItem{
		action:    id,
		decodeErr: reject(wpsync.RejectInvalidAction, "malformed action: %v", err),
	}
}

func (p *Processor) apply(ctx context.Context, userID string, items []batchItem, lastSyncedAt *time.Time) (*wpsync.BulkSyncResponse, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	resp := &wpsync.BulkSyncResponse{
		Success:    true,
		IDMappings: make([]wpsync.IDMapping, 0),
		Conflicts:  make([]wpsync.SyncConflict, 0),
		Rejected:   make([]wpsync.RejectedAction, 0),
	}

	for i, item := range items {
		a := item.action
		out, err := Outcome{}, item.decodeErr
		if err == nil {
			out, err = p.applyOne(ctx, userID, a)
		}
		if err != nil {
			rejected := toRejected(a, err)
			slog.Warn("sync action skipped",
				"component", "reconcile",
				"action", "action_skipped",
				"user_id", userID,
				"index", i,
				"client_id", a.ClientID,
				"action_type", a.ActionType,
				"entity_type", a.EntityType,
				"code", rejected.Code,
				"error", err,
			)
			resp.Rejected = append(resp.Rejected, rejected)
			continue
		}
		if out.Mapping != nil {
			resp.IDMappings = append(resp.IDMappings, *out.Mapping)
		}
		if out.Conflict != nil {
			resp.Conflicts = append(resp.Conflicts, *out.Conflict)
		}
	}

	// Stamped before the listing so a delta from SyncedAt never skips a
	// change committed while the list was being read.
	resp.SyncedAt = p.now()
	places, err := p.store.FindAll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list places: %w", err)
	}
	resp.UpdatedPlaces = places

	attrs := []any{
		"component", "reconcile",
		"action", "batch_applied",
		"user_id", userID,
		"actions", len(items),
		"mappings", len(resp.IDMappings),
		"conflicts", len(resp.Conflicts),
		"rejected", len(resp.Rejected),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if lastSyncedAt != nil {
		attrs = append(attrs, "last_synced_at", lastSyncedAt.UTC())
	}
	slog.Info("bulk sync applied", attrs...)

	return resp, nil
}

// applyOne validates the envelope, dispatches to the entity handler and
// turns a handler panic into an error.
func (p *Processor) applyOne(ctx context.Context, userID string, a wpsync.Action) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{}
			err = fmt.Errorf("panic applying action: %v", r)
		}
	}()

	if !a.ActionType.Valid() {
		return Outcome{}, reject(wpsync.RejectInvalidAction, "unknown action type %q", a.ActionType)
	}
	if verr := validation.ValidateClientID("clientId", a.ClientID); verr != nil {
		return Outcome{}, reject(wpsync.RejectInvalidAction, "%s", verr.Error())
	}
	if a.Timestamp.IsZero() {
		return Outcome{}, reject(wpsync.RejectInvalidAction, "timestamp is required")
	}

	h, ok := p.registry.Get(a.EntityType)
	if !ok {
		return Outcome{}, reject(wpsync.RejectUnsupportedEntity, "unsupported entity type %q", a.EntityType)
	}
	return h.Apply(ctx, userID, a)
}

func toRejected(a wpsync.Action, err error) wpsync.RejectedAction {
	r := wpsync.RejectedAction{
		ClientID:   a.ClientID,
		ActionType: a.ActionType,
		EntityType: a.EntityType,
		Code:       wpsync.RejectInternal,
		Message:    "internal error",
	}
	var rerr *RejectError
	if errors.As(err, &rerr) {
		r.Code = rerr.Code
		r.Message = rerr.Message
	}
	return r
}
