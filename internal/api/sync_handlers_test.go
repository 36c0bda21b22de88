package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/waypoint/internal/reconcile"
	"github.com/hyperengineering/waypoint/internal/store"
	wpsync "github.com/hyperengineering/waypoint/internal/sync"
	"github.com/hyperengineering/waypoint/internal/types"
)

// newIntegrationRouter wires the real store, processor and delta fetcher.
func newIntegrationRouter(t *testing.T) (http.Handler, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "waypoint.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return newTestRouter(t, s, reconcile.NewProcessor(s), reconcile.NewDeltaFetcher(s)), s
}

func postBulk(t *testing.T, router http.Handler, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/bulk", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken(t, userID))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBulk(t *testing.T, w *httptest.ResponseRecorder) wpsync.BulkSyncResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp wpsync.BulkSyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestBulkSync_OfflineScenario(t *testing.T) {
	// Given: A device that created c1 and c2 offline and then renamed c1
	router, _ := newIntegrationRouter(t)
	t0 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	body := fmt.Sprintf(`{"actions": [
		{"actionType":"create","entityType":"place","clientId":"c1","payload":{"name":"A"},"timestamp":%q},
		{"actionType":"create","entityType":"place","clientId":"c2","payload":{"name":"B"},"timestamp":%q},
		{"actionType":"update","entityType":"place","clientId":"c1","payload":{"name":"A edited"},"timestamp":%q}
	]}`, t0.Format(time.RFC3339), t0.Add(time.Second).Format(time.RFC3339), t0.Add(2*time.Second).Format(time.RFC3339))

	// When: The batch is posted
	resp := decodeBulk(t, postBulk(t, router, "u1", body))

	// Then: Two mappings, no conflicts, full list with the edited name
	if !resp.Success {
		t.Error("success = false")
	}
	if len(resp.IDMappings) != 2 || len(resp.Conflicts) != 0 {
		t.Errorf("mappings = %d conflicts = %d; want 2, 0", len(resp.IDMappings), len(resp.Conflicts))
	}
	names := map[string]string{}
	for _, p := range resp.UpdatedPlaces {
		names[p.ClientID] = p.Name
	}
	if names["c1"] != "A edited" || names["c2"] != "B" {
		t.Errorf("updatedPlaces names = %v", names)
	}
	if resp.SyncedAt.IsZero() {
		t.Error("syncedAt missing")
	}
}

func TestBulkSync_ResponseUsesCamelCaseAndEmptyArrays(t *testing.T) {
	router, _ := newIntegrationRouter(t)

	w := postBulk(t, router, "u1", `{"actions": []}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"success", "idMappings", "updatedPlaces", "conflicts", "syncedAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}
	for _, key := range []string{"idMappings", "updatedPlaces", "conflicts"} {
		if string(raw[key]) != "[]" {
			t.Errorf("%s = %s, want []", key, raw[key])
		}
	}
}

func TestBulkSync_UsersAreIsolated(t *testing.T) {
	router, s := newIntegrationRouter(t)
	action := wpsync.BulkSyncRequest{Actions: []wpsync.Action{{
		ActionType: wpsync.ActionCreate,
		EntityType: wpsync.EntityPlace,
		ClientID:   "c1",
		Payload:    json.RawMessage(`{"name":"mine"}`),
		Timestamp:  time.Now().UTC(),
	}}}

	decodeBulk(t, postBulk(t, router, "alice", action))
	resp := decodeBulk(t, postBulk(t, router, "bob", wpsync.BulkSyncRequest{Actions: []wpsync.Action{}}))

	if len(resp.UpdatedPlaces) != 0 {
		t.Errorf("bob sees %d places, want 0", len(resp.UpdatedPlaces))
	}
	stats, _ := s.GetStats(context.Background())
	if stats.PlaceCount != 1 {
		t.Errorf("place count = %d, want 1", stats.PlaceCount)
	}
}

func TestBulkSync_EnvelopeErrors(t *testing.T) {
	tooMany := wpsync.BulkSyncRequest{Actions: make([]wpsync.Action, wpsync.MaxBulkActions+1)}

	tests := []struct {
		name   string
		body   any
		detail string
	}{
		{"invalid json", `{"actions": [`, "Invalid JSON"},
		{"missing actions", `{}`, "actions array is required"},
		{"null actions", `{"actions": null}`, "actions array is required"},
		{"too many actions", tooMany, "exceeds maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := &mockProcessor{}
			router := newTestRouter(t, &mockReader{}, processor, &mockDelta{})

			w := postBulk(t, router, "u1", tt.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var p Problem
			json.Unmarshal(w.Body.Bytes(), &p)
			if !strings.Contains(p.Detail, tt.detail) {
				t.Errorf("detail = %q, want it to contain %q", p.Detail, tt.detail)
			}
			if processor.calls != 0 {
				t.Error("processor called for a rejected envelope")
			}
		})
	}
}

func TestBulkSync_MalformedActionRejectedPerAction(t *testing.T) {
	router, _ := newIntegrationRouter(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	body := fmt.Sprintf(`{"actions": [
		{"actionType":"create","entityType":"place","clientId":"ok","payload":{"name":"fine"},"timestamp":%q},
		{"actionType":"create","entityType":"place","clientId":"bad","payload":{"latitude":999,"longitude":0,"name":"x"},"timestamp":%q},
		{"actionType":"create","entityType":"photo","clientId":"ph","payload":{},"timestamp":%q}
	]}`, now, now, now)

	resp := decodeBulk(t, postBulk(t, router, "u1", body))

	if len(resp.IDMappings) != 1 {
		t.Errorf("mappings = %d, want 1", len(resp.IDMappings))
	}
	if len(resp.Rejected) != 2 {
		t.Fatalf("rejected = %+v, want 2", resp.Rejected)
	}
	if resp.Rejected[0].Code != wpsync.RejectMalformedPayload || resp.Rejected[1].Code != wpsync.RejectUnsupportedEntity {
		t.Errorf("codes = %s, %s", resp.Rejected[0].Code, resp.Rejected[1].Code)
	}
}

func TestBulkSync_UnreadableActionDoesNotFailBatch(t *testing.T) {
	// Given: Nine valid creates and one with an unparseable timestamp
	router, s := newIntegrationRouter(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	actions := make([]string, 0, 10)
	for i := 0; i < 9; i++ {
		actions = append(actions, fmt.Sprintf(`{"actionType":"create","entityType":"place","clientId":"c%d","payload":{"name":"p%d"},"timestamp":%q}`, i, i, now))
	}
	actions = append(actions, `{"actionType":"create","entityType":"place","clientId":"late","payload":{"name":"x"},"timestamp":"yesterday"}`)
	body := `{"actions": [` + strings.Join(actions, ",") + `]}`

	// When
	resp := decodeBulk(t, postBulk(t, router, "u1", body))

	// Then: Nine are applied and only the bad one is rejected
	if len(resp.IDMappings) != 9 || len(resp.UpdatedPlaces) != 9 {
		t.Errorf("mappings = %d places = %d, want 9, 9", len(resp.IDMappings), len(resp.UpdatedPlaces))
	}
	if len(resp.Rejected) != 1 {
		t.Fatalf("rejected = %+v, want 1", resp.Rejected)
	}
	if r := resp.Rejected[0]; r.ClientID != "late" || r.Code != wpsync.RejectInvalidAction {
		t.Errorf("rejection = %+v", r)
	}
	stats, _ := s.GetStats(context.Background())
	if stats.PlaceCount != 9 {
		t.Errorf("place count = %d, want 9", stats.PlaceCount)
	}
}

func TestBulkSync_ProcessorErrorIsProblem(t *testing.T) {
	processor := &mockProcessor{err: errors.New("store exploded")}
	router := newTestRouter(t, &mockReader{}, processor, &mockDelta{})

	w := postBulk(t, router, "u1", `{"actions": []}`)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "exploded") {
		t.Error("internal error leaked to client")
	}
}

func TestBulkSync_PassesCallerIdentity(t *testing.T) {
	processor := &mockProcessor{}
	router := newTestRouter(t, &mockReader{}, processor, &mockDelta{})

	postBulk(t, router, "carol", `{"actions": []}`)

	if processor.lastUser != "carol" {
		t.Errorf("processor user = %q, want carol", processor.lastUser)
	}
}

func TestSyncDelta_SinceParameter(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		status int
		since  time.Time
	}{
		{"missing defaults to epoch", "", http.StatusOK, time.Unix(0, 0).UTC()},
		{"rfc3339", "?since=2026-04-01T10:00:00Z", http.StatusOK, time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)},
		{"fractional seconds with offset", "?since=2026-04-01T12:00:00.5%2B02:00", http.StatusOK, time.Date(2026, 4, 1, 10, 0, 0, 500000000, time.UTC)},
		{"garbage", "?since=yesterday", http.StatusBadRequest, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := &mockDelta{}
			router := newTestRouter(t, &mockReader{}, &mockProcessor{}, delta)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/v1/sync/delta"+tt.query, "u1"))

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.status == http.StatusOK && !delta.lastSince.Equal(tt.since) {
				t.Errorf("since = %v, want %v", delta.lastSince, tt.since)
			}
			if tt.status == http.StatusOK && strings.TrimSpace(w.Body.String()) != "[]" {
				t.Errorf("body = %s, want []", w.Body.String())
			}
		})
	}
}

func TestSyncDelta_ErrorIsProblem(t *testing.T) {
	router := newTestRouter(t, &mockReader{}, &mockProcessor{}, &mockDelta{err: errors.New("boom")})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/v1/sync/delta", "u1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestSyncDelta_Integration(t *testing.T) {
	// Given: One place synced before a watermark and one after
	router, _ := newIntegrationRouter(t)
	before := wpsync.BulkSyncRequest{Actions: []wpsync.Action{{
		ActionType: wpsync.ActionCreate, EntityType: wpsync.EntityPlace, ClientID: "old",
		Payload: json.RawMessage(`{"name":"old"}`), Timestamp: time.Now().UTC(),
	}}}
	first := decodeBulk(t, postBulk(t, router, "u1", before))
	watermark := first.SyncedAt

	time.Sleep(5 * time.Millisecond)
	after := wpsync.BulkSyncRequest{Actions: []wpsync.Action{{
		ActionType: wpsync.ActionCreate, EntityType: wpsync.EntityPlace, ClientID: "new",
		Payload: json.RawMessage(`{"name":"new"}`), Timestamp: time.Now().UTC(),
	}}}
	decodeBulk(t, postBulk(t, router, "u1", after))

	// When: Changes since the first syncedAt are fetched
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/v1/sync/delta?since="+watermark.Format(time.RFC3339Nano), "u1"))

	// Then: Only the newer place is returned
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var places []types.Place
	if err := json.Unmarshal(w.Body.Bytes(), &places); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(places) != 1 || places[0].ClientID != "new" {
		t.Errorf("delta = %+v, want only 'new'", places)
	}
}
