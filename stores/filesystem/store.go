package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const snapshotExt = ".bin"

// roomRecord is the on-disk form of core.RoomMeta, which hides the access code from JSON.
type roomRecord struct {
	ID           string    `json:"id"`
	AccessCode   string    `json:"accessCode"`
	OwnerID      string    `json:"ownerId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastOpenedAt time.Time `json:"lastOpenedAt"`
}

// fsStore lays rooms out as
//
//	<base>/rooms/<roomID>/meta.json
//	<base>/rooms/<roomID>/snapshots/<ulid>.bin
type fsStore struct {
	basePath string
	mu       sync.Mutex // serializes meta.json rewrites
}

func NewStore(basePath string) (core.Store, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "rooms"), 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &fsStore{basePath: basePath}, nil
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id
}

func (s *fsStore) roomDir(roomID string) string {
	return filepath.Join(s.basePath, "rooms", roomID)
}

func (s *fsStore) metaPath(roomID string) string {
	return filepath.Join(s.roomDir(roomID), "meta.json")
}

func (s *fsStore) snapshotDir(roomID string) string {
	return filepath.Join(s.roomDir(roomID), "snapshots")
}

func (s *fsStore) CreateRoom(ctx context.Context, room *core.RoomMeta) error {
	if !validID(room.ID) {
		return fmt.Errorf("invalid room id %q", room.ID)
	}
	log := logrus.WithFields(logrus.Fields{
		"room_id":   room.ID,
		"file_path": s.metaPath(room.ID),
	})

	if err := os.MkdirAll(s.roomDir(room.ID), 0755); err != nil {
		log.WithError(err).Error("Failed to create room directory")
		return err
	}

	data, err := json.Marshal(roomRecord(*room))
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.roomDir(room.ID), "meta-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Link fails when the target exists, which makes creation first-writer-wins.
	if err := os.Link(tmp.Name(), s.metaPath(room.ID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			log.Debug("Room already exists")
			return core.ErrRoomExists
		}
		log.WithError(err).Error("Failed to create room")
		return err
	}

	log.Info("Room created successfully")
	return nil
}

func (s *fsStore) readRecord(roomID string) (*roomRecord, error) {
	if !validID(roomID) {
		return nil, core.ErrRoomNotFound
	}
	data, err := os.ReadFile(s.metaPath(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrRoomNotFound
		}
		return nil, err
	}
	var rec roomRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.metaPath(roomID), err)
	}
	return &rec, nil
}

func (s *fsStore) GetRoom(ctx context.Context, roomID string) (*core.RoomMeta, error) {
	rec, err := s.readRecord(roomID)
	if err != nil {
		return nil, err
	}
	room := core.RoomMeta(*rec)
	return &room, nil
}

func (s *fsStore) TouchRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(roomID)
	if err != nil {
		return err
	}
	rec.LastOpenedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := s.metaPath(roomID) + ".touch"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(roomID))
}

func (s *fsStore) SaveSnapshot(ctx context.Context, roomID string, data []byte) (*core.Snapshot, error) {
	if !validID(roomID) {
		return nil, fmt.Errorf("invalid room id %q", roomID)
	}
	id := ulid.Make()
	filePath := filepath.Join(s.snapshotDir(roomID), id.String()+snapshotExt)
	log := logrus.WithFields(logrus.Fields{
		"snapshot_id": id.String(),
		"room_id":     roomID,
		"file_path":   filePath,
	})

	if err := os.MkdirAll(s.snapshotDir(roomID), 0755); err != nil {
		log.WithError(err).Error("Failed to create snapshot directory")
		return nil, err
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		log.WithError(err).Error("Failed to save snapshot")
		return nil, err
	}

	log.Debug("Snapshot saved")
	return &core.Snapshot{
		ID:        id.String(),
		RoomID:    roomID,
		CreatedAt: ulid.Time(id.Time()).UTC(),
		Size:      len(data),
	}, nil
}

// entries returns the room's snapshot files, newest first.
func (s *fsStore) entries(roomID string) ([]os.DirEntry, error) {
	if !validID(roomID) {
		return nil, nil
	}
	files, err := os.ReadDir(s.snapshotDir(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := files[:0]
	for _, f := range files {
		if !f.IsDir() && filepath.Ext(f.Name()) == snapshotExt {
			out = append(out, f)
		}
	}
	// ULID file names sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].Name() > out[j].Name() })
	return out, nil
}

func (s *fsStore) snapshotMeta(roomID string, f os.DirEntry) (core.Snapshot, error) {
	name := f.Name()[:len(f.Name())-len(snapshotExt)]
	id, err := ulid.ParseStrict(name)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("snapshot file %s: %w", f.Name(), err)
	}
	info, err := f.Info()
	if err != nil {
		return core.Snapshot{}, err
	}
	return core.Snapshot{
		ID:        name,
		RoomID:    roomID,
		CreatedAt: ulid.Time(id.Time()).UTC(),
		Size:      int(info.Size()),
	}, nil
}

func (s *fsStore) LatestSnapshot(ctx context.Context, roomID string) (*core.Snapshot, error) {
	files, err := s.entries(roomID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, core.ErrSnapshotNotFound
	}

	snapshot, err := s.snapshotMeta(roomID, files[0])
	if err != nil {
		return nil, err
	}
	snapshot.Data, err = os.ReadFile(filepath.Join(s.snapshotDir(roomID), files[0].Name()))
	if err != nil {
		return nil, err
	}
	snapshot.Size = len(snapshot.Data)
	return &snapshot, nil
}

func (s *fsStore) ListSnapshots(ctx context.Context, roomID string) ([]core.Snapshot, error) {
	log := logrus.WithField("room_id", roomID)
	files, err := s.entries(roomID)
	if err != nil {
		log.WithError(err).Error("Failed to read snapshot directory")
		return nil, err
	}

	snapshots := make([]core.Snapshot, 0, len(files))
	for _, f := range files {
		snapshot, err := s.snapshotMeta(roomID, f)
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable snapshot %s", f.Name())
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (s *fsStore) PruneSnapshots(ctx context.Context, roomID string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	files, err := s.entries(roomID)
	if err != nil {
		return 0, err
	}
	if len(files) <= keep {
		return 0, nil
	}

	removed := 0
	for _, f := range files[keep:] {
		if err := os.Remove(filepath.Join(s.snapshotDir(roomID), f.Name())); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *fsStore) Close() error {
	return nil
}
