// Package sync defines the wire types of the bulk reconciliation and delta
// protocols shared by the server and the client library.
package sync

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/waypoint/internal/types"
)

// ActionType is the kind of a queued local mutation.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// EntityType names the kind of entity an action targets.
type EntityType string

const (
	EntityPlace EntityType = "place"
	EntityPhoto EntityType = "photo"
)

// Resolution describes how a conflict was settled.
type Resolution string

// ResolutionServerWins means the server record was newer and was kept.
const ResolutionServerWins Resolution = "server_wins"

// Limits for bulk sync requests.
const (
	MaxBulkActions = 1000
)

// Action is one offline mutation sent in a bulk sync request.
// Timestamp is the wall-clock time the mutation was made on the device.
type Action struct {
	ActionType ActionType      `json:"actionType"`
	EntityType EntityType      `json:"entityType"`
	ClientID   string          `json:"clientId"`
	ServerID   string          `json:"serverId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// BulkSyncRequest is the body of POST /api/v1/sync/bulk.
type BulkSyncRequest struct {
	Actions      []Action   `json:"actions"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}

// BulkSyncEnvelope is how the server reads a BulkSyncRequest. Actions stay
// encoded until each is applied, so one unreadable action is rejected on
// its own instead of failing the batch.
type BulkSyncEnvelope struct {
	Actions      []json.RawMessage `json:"actions"`
	LastSyncedAt *time.Time        `json:"lastSyncedAt,omitempty"`
}

// IDMapping links a client-generated identifier to the server identifier
// assigned when the entity was created.
type IDMapping struct {
	ClientID string `json:"clientId"`
	ServerID string `json:"serverId"`
}

// SyncConflict reports an update that lost to a newer server record.
type SyncConflict struct {
	ClientID      string      `json:"clientId"`
	ServerVersion types.Place `json:"serverVersion"`
	Resolution    Resolution  `json:"resolution"`
}

// Rejection codes for actions the server refused to apply.
const (
	RejectInvalidAction     = "invalid_action"
	RejectUnsupportedEntity = "unsupported_entity"
	RejectMalformedPayload  = "malformed_payload"
	RejectInternal          = "internal_error"
)

// RejectedAction reports a single action that was skipped.
// Every code except RejectInternal is terminal: resending the same action
// yields the same result, so the client drops it. RejectInternal means the
// server failed while applying the action and it should be resent.
type RejectedAction struct {
	ClientID   string     `json:"clientId"`
	ActionType ActionType `json:"actionType"`
	EntityType EntityType `json:"entityType"`
	Code       string     `json:"code"`
	Message    string     `json:"message"`
}

// Retryable reports whether resending the action may succeed.
func (r RejectedAction) Retryable() bool {
	return r.Code == RejectInternal
}

// BulkSyncResponse is the result of applying a batch.
// UpdatedPlaces is the caller's full list of live places, not a diff.
type BulkSyncResponse struct {
	Success       bool             `json:"success"`
	IDMappings    []IDMapping      `json:"idMappings"`
	UpdatedPlaces []types.Place    `json:"updatedPlaces"`
	Conflicts     []SyncConflict   `json:"conflicts"`
	Rejected      []RejectedAction `json:"rejected"`
	SyncedAt      time.Time        `json:"syncedAt"`
}
