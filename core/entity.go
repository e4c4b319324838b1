package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomExists       = errors.New("room already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// DefaultSnapshotRetention is the number of snapshots kept per room.
const DefaultSnapshotRetention = 20

type (
	// RoomMeta is the durable record of a room. AccessCode never changes once written.
	RoomMeta struct {
		ID           string    `json:"roomId"`
		AccessCode   string    `json:"-"`
		OwnerID      string    `json:"ownerId"`
		CreatedAt    time.Time `json:"createdAt"`
		LastOpenedAt time.Time `json:"lastOpenedAt"`
	}

	// Snapshot is a full binary encoding of a room document at CreatedAt.
	Snapshot struct {
		ID        string    `json:"id"`
		RoomID    string    `json:"roomId"`
		CreatedAt time.Time `json:"createdAt"`
		Size      int       `json:"size"`
		Data      []byte    `json:"-"`
	}

	RoomStore interface {
		// CreateRoom inserts room metadata. It returns ErrRoomExists when the id is taken.
		CreateRoom(ctx context.Context, room *RoomMeta) error
		// GetRoom returns ErrRoomNotFound when no room with the id was ever created.
		GetRoom(ctx context.Context, roomID string) (*RoomMeta, error)
		TouchRoom(ctx context.Context, roomID string) error
	}

	SnapshotStore interface {
		SaveSnapshot(ctx context.Context, roomID string, data []byte) (*Snapshot, error)
		// LatestSnapshot returns ErrSnapshotNotFound when the room has none.
		LatestSnapshot(ctx context.Context, roomID string) (*Snapshot, error)
		// ListSnapshots returns metadata only, newest first.
		ListSnapshots(ctx context.Context, roomID string) ([]Snapshot, error)
		// PruneSnapshots deletes all but the keep newest snapshots and reports how many were removed.
		PruneSnapshots(ctx context.Context, roomID string, keep int) (int, error)
	}

	// Store is the durable persistence collaborator of the relay.
	Store interface {
		RoomStore
		SnapshotStore
		Close() error
	}
)
