package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/waypoint/internal/types"
)

func TestDeltaFetcher_ReturnsOnlyLiveChangesAfterWatermark(t *testing.T) {
	// Given: Two places created, then a watermark, then an edit, a create and a delete
	p, s := newTestProcessor(t)
	ctx := context.Background()
	apply(t, p, "u1",
		createAction(t, "old", "untouched", baseTime),
		createAction(t, "edit", "before", baseTime),
		createAction(t, "gone", "doomed", baseTime),
	)
	watermark := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	apply(t, p, "u1", updateAction(t, "edit", types.PlacePatch{Name: strPtr("after")}, time.Now().UTC()))
	time.Sleep(5 * time.Millisecond)
	apply(t, p, "u1",
		createAction(t, "new", "fresh", time.Now().UTC()),
		deleteAction("gone", time.Now().UTC()),
	)

	// When: Changes since the watermark are fetched
	got, err := NewDeltaFetcher(s).ChangesSince(ctx, "u1", watermark)
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}

	// Then: Exactly the edit and the new create, ascending, no tombstones
	if len(got) != 2 {
		t.Fatalf("changes = %d, want 2: %+v", len(got), got)
	}
	if got[0].ClientID != "edit" || got[1].ClientID != "new" {
		t.Errorf("order = [%s %s], want [edit new]", got[0].ClientID, got[1].ClientID)
	}
	for _, pl := range got {
		if !pl.UpdatedAt.After(watermark) {
			t.Errorf("%s updatedAt %v not after watermark %v", pl.ClientID, pl.UpdatedAt, watermark)
		}
		if pl.DeletedAt != nil {
			t.Errorf("%s is soft-deleted", pl.ClientID)
		}
	}
}

func TestDeltaFetcher_ZeroSinceIsEpoch(t *testing.T) {
	p, s := newTestProcessor(t)
	apply(t, p, "u1", createAction(t, "a", "A", baseTime), createAction(t, "b", "B", baseTime))

	got, err := NewDeltaFetcher(s).ChangesSince(context.Background(), "u1", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("changes = %d, want 2", len(got))
	}
}

type failingDeltaStore struct{}

func (failingDeltaStore) ChangesSince(context.Context, string, time.Time) ([]types.Place, error) {
	return nil, errors.New("disk on fire")
}

func TestDeltaFetcher_WrapsStoreError(t *testing.T) {
	_, err := NewDeltaFetcher(failingDeltaStore{}).ChangesSince(context.Background(), "u1", time.Time{})
	if err == nil {
		t.Fatal("ChangesSince() error = nil, want error")
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPlaceHandler(nil, nil))

	if _, ok := r.Get("place"); !ok {
		t.Error("place handler not found")
	}
	if _, ok := r.Get("photo"); ok {
		t.Error("photo handler unexpectedly registered")
	}
	if got := r.Entities(); len(got) != 1 || got[0] != "place" {
		t.Errorf("Entities() = %v", got)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPlaceHandler(nil, nil))

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r.Register(NewPlaceHandler(nil, nil))
}
