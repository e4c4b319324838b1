package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type store struct {
	mu        sync.RWMutex
	rooms     map[string]core.RoomMeta
	snapshots map[string][]core.Snapshot // oldest first
}

func NewStore() core.Store {
	return &store{
		rooms:     make(map[string]core.RoomMeta),
		snapshots: make(map[string][]core.Snapshot),
	}
}

func (s *store) CreateRoom(ctx context.Context, room *core.RoomMeta) error {
	if room.ID == "" {
		return fmt.Errorf("room id is required")
	}
	log := logrus.WithField("room_id", room.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		log.Debug("Room already exists")
		return core.ErrRoomExists
	}
	s.rooms[room.ID] = *room

	log.Info("Room created successfully")
	return nil
}

func (s *store) GetRoom(ctx context.Context, roomID string) (*core.RoomMeta, error) {
	s.mu.RLock()
	room, ok := s.rooms[roomID]
	s.mu.RUnlock()

	if !ok {
		return nil, core.ErrRoomNotFound
	}
	return &room, nil
}

func (s *store) TouchRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return core.ErrRoomNotFound
	}
	room.LastOpenedAt = time.Now().UTC()
	s.rooms[roomID] = room
	return nil
}

func (s *store) SaveSnapshot(ctx context.Context, roomID string, data []byte) (*core.Snapshot, error) {
	id := ulid.Make()
	snapshot := core.Snapshot{
		ID:        id.String(),
		RoomID:    roomID,
		CreatedAt: ulid.Time(id.Time()).UTC(),
		Size:      len(data),
		Data:      append([]byte(nil), data...),
	}

	s.mu.Lock()
	s.snapshots[roomID] = append(s.snapshots[roomID], snapshot)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"snapshot_id": snapshot.ID,
		"room_id":     roomID,
		"data_length": len(data),
	}).Debug("Snapshot saved")

	return &snapshot, nil
}

func (s *store) LatestSnapshot(ctx context.Context, roomID string) (*core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[roomID]
	if len(list) == 0 {
		return nil, core.ErrSnapshotNotFound
	}
	latest := list[len(list)-1]
	latest.Data = append([]byte(nil), latest.Data...)
	return &latest, nil
}

func (s *store) ListSnapshots(ctx context.Context, roomID string) ([]core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[roomID]
	out := make([]core.Snapshot, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		meta := list[i]
		meta.Data = nil
		out = append(out, meta)
	}
	return out, nil
}

func (s *store) PruneSnapshots(ctx context.Context, roomID string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snapshots[roomID]
	if len(list) <= keep {
		return 0, nil
	}
	removed := len(list) - keep
	s.snapshots[roomID] = append([]core.Snapshot(nil), list[removed:]...)
	return removed, nil
}

func (s *store) Close() error {
	return nil
}
