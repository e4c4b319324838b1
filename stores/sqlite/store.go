package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	access_code TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_opened_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_room_created ON snapshots(room_id, created_at DESC);
`

type store struct {
	db *sql.DB
}

func NewStore(dataSourceName string) (core.Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"driver":         driverName,
		"dataSourceName": dataSourceName,
	}).Debug("SQLite store opened")
	return &store{db}, nil
}

func (s *store) CreateRoom(ctx context.Context, room *core.RoomMeta) error {
	log := logrus.WithField("room_id", room.ID)

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, access_code, owner_id, created_at, last_opened_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		room.ID, room.AccessCode, room.OwnerID, room.CreatedAt.UnixMilli(), room.LastOpenedAt.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create room")
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		log.Debug("Room already exists")
		return core.ErrRoomExists
	}

	log.Info("Room created successfully")
	return nil
}

func (s *store) GetRoom(ctx context.Context, roomID string) (*core.RoomMeta, error) {
	var (
		room                  core.RoomMeta
		createdAt, lastOpened int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, access_code, owner_id, created_at, last_opened_at FROM rooms WHERE id = ?",
		roomID).Scan(&room.ID, &room.AccessCode, &room.OwnerID, &createdAt, &lastOpened)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRoomNotFound
		}
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to retrieve room")
		return nil, err
	}

	room.CreatedAt = time.UnixMilli(createdAt).UTC()
	room.LastOpenedAt = time.UnixMilli(lastOpened).UTC()
	return &room, nil
}

func (s *store) TouchRoom(ctx context.Context, roomID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET last_opened_at = ? WHERE id = ?",
		time.Now().UnixMilli(), roomID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrRoomNotFound
	}
	return nil
}

func (s *store) SaveSnapshot(ctx context.Context, roomID string, data []byte) (*core.Snapshot, error) {
	id := ulid.Make()
	snapshot := &core.Snapshot{
		ID:        id.String(),
		RoomID:    roomID,
		CreatedAt: ulid.Time(id.Time()).UTC(),
		Size:      len(data),
	}

	log := logrus.WithFields(logrus.Fields{
		"snapshot_id": snapshot.ID,
		"room_id":     roomID,
		"data_length": len(data),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO snapshots (id, room_id, created_at, data) VALUES (?, ?, ?, ?)",
		snapshot.ID, roomID, int64(id.Time()), data)
	if err != nil {
		log.WithError(err).Error("Failed to save snapshot")
		return nil, err
	}

	log.Debug("Snapshot saved")
	return snapshot, nil
}

func (s *store) LatestSnapshot(ctx context.Context, roomID string) (*core.Snapshot, error) {
	var (
		snapshot  core.Snapshot
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, created_at, data FROM snapshots
		WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		roomID).Scan(&snapshot.ID, &snapshot.RoomID, &createdAt, &snapshot.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSnapshotNotFound
		}
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to retrieve latest snapshot")
		return nil, err
	}

	snapshot.CreatedAt = time.UnixMilli(createdAt).UTC()
	snapshot.Size = len(snapshot.Data)
	return &snapshot, nil
}

func (s *store) ListSnapshots(ctx context.Context, roomID string) ([]core.Snapshot, error) {
	log := logrus.WithField("room_id", roomID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, created_at, length(data) FROM snapshots
		WHERE room_id = ? ORDER BY created_at DESC, id DESC`,
		roomID)
	if err != nil {
		log.WithError(err).Error("Failed to list snapshots")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close snapshot rows")
		}
	}()

	snapshots := []core.Snapshot{}
	for rows.Next() {
		var (
			snapshot  core.Snapshot
			createdAt int64
		)
		if err := rows.Scan(&snapshot.ID, &snapshot.RoomID, &createdAt, &snapshot.Size); err != nil {
			return nil, err
		}
		snapshot.CreatedAt = time.UnixMilli(createdAt).UTC()
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func (s *store) PruneSnapshots(ctx context.Context, roomID string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM snapshots
			WHERE room_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`,
		roomID, roomID, keep)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to prune snapshots")
		return 0, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func (s *store) Close() error {
	return s.db.Close()
}
