// Package e2e exercises the sync server and the placesync client together
// over real HTTP, with real SQLite databases on both sides.
package e2e

import (
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/waypoint/internal/api"
	"github.com/hyperengineering/waypoint/internal/auth"
	"github.com/hyperengineering/waypoint/internal/reconcile"
	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/hyperengineering/waypoint/pkg/placesync"
)

var jwtSecret = []byte("e2e-suite-jwt-secret-0123456789ab")

// --- Server harness ---

// syncServer runs the full server stack on a fixed address. It can be
// stopped and started again on the same database file and address to
// simulate an outage.
type syncServer struct {
	t      *testing.T
	dbPath string
	addr   string
	store  *store.SQLiteStore
	http   *httptest.Server
}

func startServer(t *testing.T) *syncServer {
	t.Helper()
	s := &syncServer{t: t, dbPath: filepath.Join(t.TempDir(), "server.db")}
	s.start()
	t.Cleanup(s.stop)
	return s
}

func (s *syncServer) start() {
	s.t.Helper()
	st, err := store.NewSQLiteStore(s.dbPath)
	if err != nil {
		s.t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	router := api.NewRouter(api.NewHandler(st, reconcile.NewProcessor(st), reconcile.NewDeltaFetcher(st), jwtSecret, "e2e"))

	srv := httptest.NewUnstartedServer(router)
	if s.addr != "" {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			st.Close()
			s.t.Fatalf("relisten on %s: %v", s.addr, err)
		}
		srv.Listener.Close()
		srv.Listener = ln
	}
	srv.Start()

	s.store = st
	s.http = srv
	s.addr = srv.Listener.Addr().String()
}

func (s *syncServer) stop() {
	if s.http != nil {
		s.http.Close()
		s.http = nil
	}
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
}

func (s *syncServer) restart() {
	s.stop()
	s.start()
}

func (s *syncServer) url() string {
	return "http://" + s.addr
}

func (s *syncServer) places(t *testing.T, userID string) []placesync.Place {
	t.Helper()
	places, err := s.store.FindAll(context.Background(), userID)
	if err != nil {
		t.Fatalf("FindAll() error = %v", err)
	}
	return places
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.IssueToken(userID, jwtSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return tok
}

// --- Device harness ---

func newDevice(t *testing.T, srv *syncServer, userID string, opts ...func(*placesync.Config)) *placesync.Client {
	t.Helper()
	cfg := placesync.Config{
		LocalPath:      filepath.Join(t.TempDir(), "device.db"),
		ServerURL:      srv.url(),
		Token:          token(t, userID),
		RequestTimeout: 2 * time.Second,
		BulkTimeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := placesync.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("placesync.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func create(t *testing.T, c *placesync.Client, name string) *placesync.LocalPlace {
	t.Helper()
	lp, err := c.CreatePlace(context.Background(), placesync.PlacePatch{Name: &name})
	if err != nil {
		t.Fatalf("CreatePlace(%q) error = %v", name, err)
	}
	return lp
}

func rename(t *testing.T, c *placesync.Client, key, name string) {
	t.Helper()
	if _, err := c.UpdatePlace(context.Background(), key, placesync.PlacePatch{Name: &name}); err != nil {
		t.Fatalf("UpdatePlace(%s) error = %v", key, err)
	}
}

func mustSync(t *testing.T, c *placesync.Client) *placesync.SyncResult {
	t.Helper()
	result, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	return result
}

func mustRefresh(t *testing.T, c *placesync.Client) *placesync.SyncResult {
	t.Helper()
	result, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return result
}

func mustStats(t *testing.T, c *placesync.Client) *placesync.Stats {
	t.Helper()
	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	return stats
}

// namesByID returns the live local places of c keyed by server id.
func namesByID(t *testing.T, c *placesync.Client) map[string]string {
	t.Helper()
	places, err := c.ListPlaces(context.Background())
	if err != nil {
		t.Fatalf("ListPlaces() error = %v", err)
	}
	out := make(map[string]string, len(places))
	for _, lp := range places {
		out[lp.ID] = lp.Name
	}
	return out
}
