package placesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	wpsync "github.com/hyperengineering/waypoint/internal/sync"
)

// Queue is the durable FIFO of local mutations waiting to be sent.
//
// Sequence numbers come from SQLite AUTOINCREMENT and are never reused, so
// actions on the same entity keep the order they were enqueued in.
type Queue struct {
	db DBTX
}

// NewQueue returns a queue backed by db.
func NewQueue(db DBTX) *Queue {
	return &Queue{db: db}
}

// WithTx returns a queue that runs its statements on tx.
func (q *Queue) WithTx(tx DBTX) *Queue {
	return &Queue{db: tx}
}

// Enqueue appends an action and returns its sequence number.
func (q *Queue) Enqueue(ctx context.Context, a Action) (int64, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	var payload sql.NullString
	if len(a.Payload) > 0 {
		payload = sql.NullString{String: string(a.Payload), Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (action_type, entity_type, client_id, server_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(a.ActionType), string(a.EntityType), a.ClientID, nullString(a.ServerID), payload, formatTime(a.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s: %w", a.ActionType, a.ClientID, err)
	}
	return res.LastInsertId()
}

// Drain returns every queued action in FIFO order without removing them.
// Entries leave the queue only through Ack or RemoveForEntity.
func (q *Queue) Drain(ctx context.Context) ([]QueuedAction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, action_type, entity_type, client_id, server_id, payload, timestamp, retry_count, last_error
		FROM sync_queue
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	defer rows.Close()

	var out []QueuedAction
	for rows.Next() {
		var (
			qa                QueuedAction
			actionType        string
			entityType        string
			serverID, payload sql.NullString
			ts                string
			lastError         sql.NullString
		)
		if err := rows.Scan(&qa.Seq, &actionType, &entityType, &qa.Action.ClientID, &serverID, &payload, &ts, &qa.RetryCount, &lastError); err != nil {
			return nil, fmt.Errorf("scan queued action: %w", err)
		}
		qa.Action.ActionType = wpsync.ActionType(actionType)
		qa.Action.EntityType = wpsync.EntityType(entityType)
		qa.Action.ServerID = serverID.String
		if payload.Valid {
			qa.Action.Payload = json.RawMessage(payload.String)
		}
		qa.Action.Timestamp = parseTime(ts)
		qa.LastError = lastError.String
		out = append(out, qa)
	}
	return out, rows.Err()
}

// Ack removes the given entries. Unknown sequence numbers are ignored.
func (q *Queue) Ack(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, s := range seqs {
		args[i] = s
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("ack %d actions: %w", len(seqs), err)
	}
	return nil
}

// IncrementRetry bumps the retry counter of an entry after a transient
// failure and records the cause.
func (q *Queue) IncrementRetry(ctx context.Context, seq int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE seq = ?
	`, nullString(msg), seq); err != nil {
		return fmt.Errorf("increment retry for %d: %w", seq, err)
	}
	return nil
}

// RemoveForEntity purges every queued action for clientID and returns how
// many were removed.
func (q *Queue) RemoveForEntity(ctx context.Context, clientID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE client_id = ?`, clientID)
	if err != nil {
		return 0, fmt.Errorf("remove queued actions for %s: %w", clientID, err)
	}
	return res.RowsAffected()
}

// AssignServerID fills in the server id of queued actions for clientID that
// were enqueued before the mapping was known.
func (q *Queue) AssignServerID(ctx context.Context, clientID, serverID string) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET server_id = ? WHERE client_id = ? AND (server_id IS NULL OR server_id = '')
	`, serverID, clientID); err != nil {
		return fmt.Errorf("assign server id to %s: %w", clientID, err)
	}
	return nil
}

// CountForEntity returns the number of queued actions for clientID.
func (q *Queue) CountForEntity(ctx context.Context, clientID string) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE client_id = ?`, clientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued actions for %s: %w", clientID, err)
	}
	return n, nil
}

// Len returns the number of queued actions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}
