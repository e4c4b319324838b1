package memory

import (
	"context"
	"testing"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/maandhruv/collab-whiteboard/stores/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		return NewStore()
	})
}

func TestSaveSnapshot_CopiesData(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	data := []byte("original")
	if _, err := store.SaveSnapshot(ctx, "r1", data); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	copy(data, "mutated!")

	latest, err := store.LatestSnapshot(ctx, "r1")
	if err != nil {
		t.Fatalf("LatestSnapshot() failed: %v", err)
	}
	if string(latest.Data) != "original" {
		t.Errorf("stored snapshot changed with caller buffer: %q", latest.Data)
	}
}
