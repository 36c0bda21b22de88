package placesync

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/waypoint/internal/api"
	"github.com/hyperengineering/waypoint/internal/auth"
	"github.com/hyperengineering/waypoint/internal/reconcile"
	"github.com/hyperengineering/waypoint/internal/store"
)

var e2eSecret = []byte("e2e-jwt-secret-0123456789abcdef!")

// testServer runs the real sync server stack behind httptest.
type testServer struct {
	*httptest.Server
	store *store.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	router := api.NewRouter(api.NewHandler(s, reconcile.NewProcessor(s), reconcile.NewDeltaFetcher(s), e2eSecret, "test"))
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return &testServer{Server: srv, store: s}
}

// newDevice returns a client for userID talking to srv over HTTP.
func (srv *testServer) newDevice(t *testing.T, userID string) *Client {
	t.Helper()
	token, err := auth.IssueToken(userID, e2eSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	c, err := New(context.Background(), Config{
		LocalPath: filepath.Join(t.TempDir(), "device.db"),
		ServerURL: srv.URL,
		Token:     token,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustSync(t *testing.T, c *Client) *SyncResult {
	t.Helper()
	result, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	return result
}

func TestClient_OfflineScenarioEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	device := srv.newDevice(t, "u1")
	ctx := context.Background()

	// Given: Two places created offline and the first one edited
	c1 := create(t, device, "A")
	c2 := create(t, device, "B")
	if _, err := device.UpdatePlace(ctx, c1.ClientID, PlacePatch{Name: strPtr("A edited"), Visited: boolPtr(true)}); err != nil {
		t.Fatalf("UpdatePlace() error = %v", err)
	}

	// When: Connectivity returns
	result := mustSync(t, device)

	// Then: Both places exist on the server with the edit applied
	if result.Sent != 3 || result.Mapped != 2 || result.Conflicts != 0 || result.Remaining != 0 {
		t.Errorf("result = %+v", result)
	}
	places, err := device.ListPlaces(ctx)
	if err != nil {
		t.Fatalf("ListPlaces() error = %v", err)
	}
	if len(places) != 2 {
		t.Fatalf("local places = %d, want 2", len(places))
	}
	for _, lp := range places {
		if lp.ID == "" || lp.Status != StatusSynced {
			t.Errorf("place %s not settled: %+v", lp.ClientID, lp)
		}
	}

	first, err := device.GetPlace(ctx, c1.ClientID)
	if err != nil {
		t.Fatalf("GetPlace(c1) error = %v", err)
	}
	if first.Name != "A edited" || !first.Visited {
		t.Errorf("c1 = %+v", first)
	}
	serverCopy, err := srv.store.FindOne(ctx, "u1", first.ID)
	if err != nil || serverCopy.Name != "A edited" || serverCopy.ClientID != c1.ClientID {
		t.Errorf("server c1 = %+v, %v", serverCopy, err)
	}
	if _, err := srv.store.FindByClientID(ctx, "u1", c2.ClientID); err != nil {
		t.Errorf("server c2 missing: %v", err)
	}

	// And: Resending is harmless
	if again := mustSync(t, device); again.Sent != 0 {
		t.Errorf("second round sent %d actions, want none", again.Sent)
	}
	all, _ := srv.store.FindAll(ctx, "u1")
	if len(all) != 2 {
		t.Errorf("server places = %d, want 2", len(all))
	}
}

func TestClient_SecondDeviceReceivesChanges(t *testing.T) {
	srv := newTestServer(t)
	phone := srv.newDevice(t, "u1")
	laptop := srv.newDevice(t, "u1")
	ctx := context.Background()

	create(t, phone, "Kyoto")
	mustSync(t, phone)

	// The laptop has nothing queued, so it runs a delta fetch
	result := mustSync(t, laptop)
	if !result.Delta || result.Merged != 1 {
		t.Errorf("laptop result = %+v", result)
	}
	places, _ := laptop.ListPlaces(ctx)
	if len(places) != 1 || places[0].Name != "Kyoto" || places[0].Status != StatusSynced {
		t.Errorf("laptop places = %+v", places)
	}
}

func TestClient_StaleOfflineEditBecomesConflict(t *testing.T) {
	srv := newTestServer(t)
	phone := srv.newDevice(t, "u1")
	laptop := srv.newDevice(t, "u1")
	ctx := context.Background()

	p := create(t, phone, "Paris")
	mustSync(t, phone)
	mustSync(t, laptop)
	paris, _ := phone.GetPlace(ctx, p.ClientID)

	// Given: The laptop edits offline first, the phone edits later and syncs
	laptop.UpdatePlace(ctx, paris.ID, PlacePatch{Notes: strPtr("laptop note")})
	time.Sleep(5 * time.Millisecond)
	phone.UpdatePlace(ctx, paris.ID, PlacePatch{Notes: strPtr("phone note")})
	mustSync(t, phone)

	// When: The laptop reconnects
	result := mustSync(t, laptop)

	// Then: The server copy wins and the laptop shows a conflict
	if result.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", result.Conflicts)
	}
	conflicts, _ := laptop.ListConflicts(ctx)
	if len(conflicts) != 1 || conflicts[0].Notes != "laptop note" || conflicts[0].ServerVersion.Notes != "phone note" {
		t.Fatalf("laptop conflicts = %+v", conflicts)
	}
	onServer, _ := srv.store.FindOne(ctx, "u1", paris.ID)
	if onServer.Notes != "phone note" {
		t.Errorf("server notes = %q, want phone note", onServer.Notes)
	}

	// And: Keeping the local copy pushes it with a fresh timestamp
	if _, err := laptop.ResolveConflict(ctx, paris.ID, true); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	mustSync(t, laptop)
	onServer, _ = srv.store.FindOne(ctx, "u1", paris.ID)
	if onServer.Notes != "laptop note" {
		t.Errorf("server notes = %q, want laptop note after keepLocal", onServer.Notes)
	}
	resolved, _ := laptop.GetPlace(ctx, paris.ID)
	if resolved.Status != StatusSynced {
		t.Errorf("status = %s, want synced", resolved.Status)
	}
}

func TestClient_DeleteBeforeFirstSync(t *testing.T) {
	srv := newTestServer(t)
	device := srv.newDevice(t, "u1")
	ctx := context.Background()

	// Given: A place created and deleted while offline
	p := create(t, device, "Never mind")
	if err := device.DeletePlace(ctx, p.ClientID); err != nil {
		t.Fatalf("DeletePlace() error = %v", err)
	}

	// Then: Only the delete is queued
	queued, _ := device.queue.Drain(ctx)
	if len(queued) != 1 || queued[0].Action.ActionType != "delete" {
		t.Fatalf("queued = %+v, want only the delete", queued)
	}

	// When: The device syncs
	mustSync(t, device)

	// Then: Nothing exists anywhere
	if all, _ := srv.store.FindAll(ctx, "u1"); len(all) != 0 {
		t.Errorf("server places = %+v, want none", all)
	}
	if _, err := device.local.Get(ctx, p.ClientID); !errors.Is(err, ErrNotFound) {
		t.Errorf("local tombstone not removed: %v", err)
	}
}

func TestClient_DeleteSyncedPlacePropagates(t *testing.T) {
	srv := newTestServer(t)
	phone := srv.newDevice(t, "u1")
	laptop := srv.newDevice(t, "u1")
	ctx := context.Background()

	p := create(t, phone, "Berlin")
	mustSync(t, phone)
	mustSync(t, laptop)

	if err := phone.DeletePlace(ctx, p.ClientID); err != nil {
		t.Fatalf("DeletePlace() error = %v", err)
	}
	if err := phone.DeletePlace(ctx, p.ClientID); err != nil {
		t.Errorf("second DeletePlace() error = %v, want no-op", err)
	}
	mustSync(t, phone)

	// Deletions are not in the delta; a refresh prunes them
	if _, err := laptop.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if places, _ := laptop.ListPlaces(ctx); len(places) != 0 {
		t.Errorf("laptop places = %+v, want none", places)
	}
}

func TestClient_UsersAreIsolated(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.newDevice(t, "alice")
	bob := srv.newDevice(t, "bob")

	create(t, alice, "Alice's place")
	mustSync(t, alice)

	if _, err := bob.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if places, _ := bob.ListPlaces(context.Background()); len(places) != 0 {
		t.Errorf("bob sees %+v", places)
	}
}

func TestClient_BadTokenPreservesQueue(t *testing.T) {
	srv := newTestServer(t)
	c, err := New(context.Background(), Config{
		LocalPath: filepath.Join(t.TempDir(), "device.db"),
		ServerURL: srv.URL,
		Token:     "not-a-jwt",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()
	create(t, c, "Rome")

	_, err = c.Sync(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Fatalf("Sync() error = %v, want 401 APIError", err)
	}
	if n, _ := c.queue.Len(context.Background()); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestClient_ValidationAndClosed(t *testing.T) {
	c := newTestClient(t, &fakeRemote{}, 0)
	ctx := context.Background()

	if _, err := c.CreatePlace(ctx, PlacePatch{}); err == nil {
		t.Error("CreatePlace() without a name should fail")
	}
	lat := 91.0
	lng := 0.0
	if _, err := c.CreatePlace(ctx, PlacePatch{Name: strPtr("x"), Latitude: &lat, Longitude: &lng}); err == nil {
		t.Error("CreatePlace() with latitude 91 should fail")
	}
	if n, _ := c.queue.Len(ctx); n != 0 {
		t.Errorf("invalid creates were queued: %d", n)
	}

	if _, err := c.UpdatePlace(ctx, "missing", PlacePatch{Name: strPtr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePlace(missing) error = %v, want ErrNotFound", err)
	}

	c.Close()
	if _, err := c.ListPlaces(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("ListPlaces() after Close error = %v, want ErrClosed", err)
	}
	if _, err := c.Sync(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync() after Close error = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClient_RunSyncsOnTrigger(t *testing.T) {
	remote := &fakeRemote{}
	c, err := NewWithRemote(context.Background(), Config{
		LocalPath:    filepath.Join(t.TempDir(), "device.db"),
		SyncInterval: time.Hour,
	}, remote)
	if err != nil {
		t.Fatalf("NewWithRemote() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// CreatePlace triggers a round
	create(t, c, "Rome")

	deadline := time.After(2 * time.Second)
	for remote.bulkCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("Run() did not sync after a trigger")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
