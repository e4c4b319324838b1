package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/maandhruv/collab-whiteboard/crdt"
	"github.com/maandhruv/collab-whiteboard/crdt/crdttest"
	"github.com/maandhruv/collab-whiteboard/protocol"
	"github.com/maandhruv/collab-whiteboard/stores/memory"
)

var errUnavailable = errors.New("store unavailable")

type fakePeer struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return true
}

func (p *fakePeer) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

// flakyStore wraps a memory store and fails a configurable number of calls.
type flakyStore struct {
	core.Store

	mu         sync.Mutex
	getCalls   int
	getFails   int
	saveFails  int
	touchCalls int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.NewStore()}
}

func (s *flakyStore) GetRoom(ctx context.Context, roomID string) (*core.RoomMeta, error) {
	s.mu.Lock()
	s.getCalls++
	fail := s.getFails > 0
	if fail {
		s.getFails--
	}
	s.mu.Unlock()
	if fail {
		return nil, errUnavailable
	}
	return s.Store.GetRoom(ctx, roomID)
}

func (s *flakyStore) TouchRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.touchCalls++
	s.mu.Unlock()
	return s.Store.TouchRoom(ctx, roomID)
}

func (s *flakyStore) SaveSnapshot(ctx context.Context, roomID string, data []byte) (*core.Snapshot, error) {
	s.mu.Lock()
	fail := s.saveFails > 0
	if fail {
		s.saveFails--
	}
	s.mu.Unlock()
	if fail {
		return nil, errUnavailable
	}
	return s.Store.SaveSnapshot(ctx, roomID, data)
}

func (s *flakyStore) calls() (get, touch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls, s.touchCalls
}

// readyRoom returns a hydrated room that is not attached to a registry.
func readyRoom(t *testing.T, id string) *Room {
	t.Helper()
	room := newRoom(id, crdt.NewDoc(), NewMetrics(nil), nil)
	room.markReady()
	return room
}

// edit applies the first insertion of a new Yjs client to room on behalf of p
// and returns the update.
func edit(t *testing.T, room *Room, p Peer, client uint64, content string) []byte {
	t.Helper()
	update := crdttest.TextAppend(client, 0, content)
	msg, err := protocol.Decode(protocol.EncodeUpdate(update))
	require.NoError(t, err)
	require.NoError(t, room.HandleSync(p, msg))
	return update
}
