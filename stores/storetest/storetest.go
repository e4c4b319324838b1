// Package storetest is the behavior suite every core.Store implementation runs
// from its own tests.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maandhruv/collab-whiteboard/core"
)

// Run exercises newStore against the core.Store contract. newStore must
// return an empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) core.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store core.Store)
	}{
		{"CreateAndGetRoom", testCreateAndGetRoom},
		{"CreateRoomKeepsFirstCode", testCreateRoomKeepsFirstCode},
		{"ConcurrentCreateRoom", testConcurrentCreateRoom},
		{"GetRoomNotFound", testGetRoomNotFound},
		{"TouchRoom", testTouchRoom},
		{"LatestSnapshot", testLatestSnapshot},
		{"LatestSnapshotNotFound", testLatestSnapshotNotFound},
		{"ListSnapshotsMetadataOnly", testListSnapshotsMetadataOnly},
		{"PruneKeepsNewest", testPruneKeepsNewest},
		{"PruneIsPerRoom", testPruneIsPerRoom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { store.Close() })
			tt.fn(t, store)
		})
	}
}

func newRoom(id, code string) *core.RoomMeta {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &core.RoomMeta{
		ID:           id,
		AccessCode:   code,
		OwnerID:      "owner-" + id,
		CreatedAt:    now,
		LastOpenedAt: now,
	}
}

func testCreateAndGetRoom(t *testing.T, store core.Store) {
	ctx := context.Background()
	if err := store.CreateRoom(ctx, newRoom("r1", "ABCDEF")); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}

	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if room.ID != "r1" || room.AccessCode != "ABCDEF" || room.OwnerID != "owner-r1" {
		t.Errorf("GetRoom() = %+v, want id r1, code ABCDEF, owner owner-r1", room)
	}
}

func testCreateRoomKeepsFirstCode(t *testing.T, store core.Store) {
	ctx := context.Background()
	if err := store.CreateRoom(ctx, newRoom("r1", "FIRST1")); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}

	err := store.CreateRoom(ctx, newRoom("r1", "SECOND"))
	if !errors.Is(err, core.ErrRoomExists) {
		t.Fatalf("second CreateRoom() error = %v, want ErrRoomExists", err)
	}

	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if room.AccessCode != "FIRST1" {
		t.Errorf("access code changed to %q", room.AccessCode)
	}
}

func testConcurrentCreateRoom(t *testing.T, store core.Store) {
	ctx := context.Background()
	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.CreateRoom(ctx, newRoom("race", fmt.Sprintf("CODE%02d", i)))
			switch {
			case err == nil:
				mu.Lock()
				created++
				mu.Unlock()
			case errors.Is(err, core.ErrRoomExists):
			default:
				t.Errorf("CreateRoom() unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("%d concurrent CreateRoom() calls succeeded, want 1", created)
	}
}

func testGetRoomNotFound(t *testing.T, store core.Store) {
	_, err := store.GetRoom(context.Background(), "missing")
	if !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("GetRoom() error = %v, want ErrRoomNotFound", err)
	}
}

func testTouchRoom(t *testing.T, store core.Store) {
	ctx := context.Background()
	room := newRoom("r1", "ABCDEF")
	room.LastOpenedAt = room.LastOpenedAt.Add(-time.Hour)
	if err := store.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}

	if err := store.TouchRoom(ctx, "r1"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}
	got, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if !got.LastOpenedAt.After(room.LastOpenedAt) {
		t.Errorf("LastOpenedAt = %v, want after %v", got.LastOpenedAt, room.LastOpenedAt)
	}

	if err := store.TouchRoom(ctx, "missing"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Errorf("TouchRoom() on unknown room error = %v, want ErrRoomNotFound", err)
	}
}

func testLatestSnapshot(t *testing.T, store core.Store) {
	ctx := context.Background()
	for _, payload := range []string{"one", "two", "three"} {
		if _, err := store.SaveSnapshot(ctx, "r1", []byte(payload)); err != nil {
			t.Fatalf("SaveSnapshot(%q) failed: %v", payload, err)
		}
	}

	latest, err := store.LatestSnapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("LatestSnapshot() failed: %v", err)
	}
	if !bytes.Equal(latest.Data, []byte("three")) {
		t.Errorf("LatestSnapshot() data = %q, want %q", latest.Data, "three")
	}
	if latest.RoomID != "r1" {
		t.Errorf("LatestSnapshot() room = %q, want r1", latest.RoomID)
	}
}

func testLatestSnapshotNotFound(t *testing.T, store core.Store) {
	_, err := store.LatestSnapshot(context.Background(), "empty")
	if !errors.Is(err, core.ErrSnapshotNotFound) {
		t.Errorf("LatestSnapshot() error = %v, want ErrSnapshotNotFound", err)
	}
}

func testListSnapshotsMetadataOnly(t *testing.T, store core.Store) {
	ctx := context.Background()
	saved, err := store.SaveSnapshot(ctx, "r1", []byte("payload"))
	if err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	list, err := store.ListSnapshots(ctx, "r1")
	if err != nil {
		t.Fatalf("ListSnapshots() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSnapshots() returned %d snapshots, want 1", len(list))
	}
	if list[0].ID != saved.ID || list[0].Size != len("payload") {
		t.Errorf("ListSnapshots()[0] = %+v, want id %s size %d", list[0], saved.ID, len("payload"))
	}
	if list[0].Data != nil {
		t.Error("ListSnapshots() should not load snapshot data")
	}

	empty, err := store.ListSnapshots(ctx, "other")
	if err != nil {
		t.Fatalf("ListSnapshots() on empty room failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ListSnapshots() on empty room returned %d snapshots", len(empty))
	}
}

func testPruneKeepsNewest(t *testing.T, store core.Store) {
	ctx := context.Background()
	const keep, extra = 5, 3

	var ids []string
	for i := 0; i < keep+extra; i++ {
		snap, err := store.SaveSnapshot(ctx, "r1", []byte(fmt.Sprintf("state-%d", i)))
		if err != nil {
			t.Fatalf("SaveSnapshot(%d) failed: %v", i, err)
		}
		ids = append(ids, snap.ID)
	}

	removed, err := store.PruneSnapshots(ctx, "r1", keep)
	if err != nil {
		t.Fatalf("PruneSnapshots() failed: %v", err)
	}
	if removed != extra {
		t.Errorf("PruneSnapshots() removed %d, want %d", removed, extra)
	}

	list, err := store.ListSnapshots(ctx, "r1")
	if err != nil {
		t.Fatalf("ListSnapshots() failed: %v", err)
	}
	if len(list) != keep {
		t.Fatalf("%d snapshots remain, want %d", len(list), keep)
	}
	for i, snap := range list {
		want := ids[len(ids)-1-i]
		if snap.ID != want {
			t.Errorf("snapshot %d = %s, want %s", i, snap.ID, want)
		}
	}

	removed, err = store.PruneSnapshots(ctx, "r1", keep)
	if err != nil {
		t.Fatalf("second PruneSnapshots() failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("second PruneSnapshots() removed %d, want 0", removed)
	}
}

func testPruneIsPerRoom(t *testing.T, store core.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.SaveSnapshot(ctx, "a", []byte("a")); err != nil {
			t.Fatalf("SaveSnapshot(a) failed: %v", err)
		}
		if _, err := store.SaveSnapshot(ctx, "b", []byte("b")); err != nil {
			t.Fatalf("SaveSnapshot(b) failed: %v", err)
		}
	}

	if _, err := store.PruneSnapshots(ctx, "a", 1); err != nil {
		t.Fatalf("PruneSnapshots() failed: %v", err)
	}

	list, err := store.ListSnapshots(ctx, "b")
	if err != nil {
		t.Fatalf("ListSnapshots() failed: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("room b has %d snapshots after pruning room a, want 3", len(list))
	}
}
