package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/maandhruv/collab-whiteboard/stores/memory"
	"github.com/maandhruv/collab-whiteboard/stores/storetest"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore fails every call with err until healed.
type failingStore struct {
	core.Store
	err   error
	calls int
}

func (f *failingStore) GetRoom(ctx context.Context, roomID string) (*core.RoomMeta, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.Store.GetRoom(ctx, roomID)
}

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.MinRequests = 3
	cfg.FailureThreshold = 0.5
	cfg.Timeout = time.Hour
	return cfg
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		return Wrap(memory.NewStore(), testConfig())
	})
}

func TestBreakerOpensOnBackendFailures(t *testing.T) {
	backend := &failingStore{Store: memory.NewStore(), err: errors.New("disk on fire")}
	store := Wrap(backend, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.GetRoom(ctx, "r1")
		require.Error(t, err)
	}

	_, err := store.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, backend.calls)
}

func TestNotFoundDoesNotTrip(t *testing.T) {
	backend := &failingStore{Store: memory.NewStore()}
	store := Wrap(backend, testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.GetRoom(ctx, "missing")
		require.ErrorIs(t, err, core.ErrRoomNotFound)
	}
	assert.Equal(t, 10, backend.calls)
}
