package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/maandhruv/collab-whiteboard/stores/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		store, err := NewStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewStore() failed: %v", err)
		}
		return store
	})
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "path", "test")
	if _, err := NewStore(tempDir); err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempDir, "rooms")); os.IsNotExist(err) {
		t.Error("NewStore() did not create nested directory structure")
	}
}

func TestCreateRoom_RejectsPathTraversal(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"", ".", "..", "../escape", "a/b"} {
		if err := store.CreateRoom(ctx, &core.RoomMeta{ID: id, AccessCode: "ABCDEF"}); err == nil {
			t.Errorf("CreateRoom(%q) should fail", id)
		}
	}
}

func TestSaveSnapshot_WritesFile(t *testing.T) {
	tempDir := t.TempDir()
	store, err := NewStore(tempDir)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	snap, err := store.SaveSnapshot(context.Background(), "r1", []byte("state"))
	if err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	filePath := filepath.Join(tempDir, "rooms", "r1", "snapshots", snap.ID+snapshotExt)
	info, err := os.Stat(filePath)
	if err != nil {
		t.Fatalf("snapshot file not created: %v", err)
	}
	if info.Size() != int64(len("state")) {
		t.Errorf("snapshot file size = %d, want %d", info.Size(), len("state"))
	}
}
