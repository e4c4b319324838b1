package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Client is the subset of the S3 API the store uses.
type Client interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type roomRecord struct {
	ID           string    `json:"id"`
	AccessCode   string    `json:"accessCode"`
	OwnerID      string    `json:"ownerId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastOpenedAt time.Time `json:"lastOpenedAt"`
}

// s3Store keeps each room under rooms/<roomID>/ with meta.json next to a
// snapshots/ prefix of ULID-named objects.
type s3Store struct {
	client Client
	bucket string
	create sync.Mutex
}

// NewStore creates an S3-backed store using the default AWS credential chain.
// A non-empty endpoint targets an S3-compatible service with path-style
// addressing.
func NewStore(ctx context.Context, bucketName, endpoint string) (core.Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewStoreWithClient(client, bucketName), nil
}

func NewStoreWithClient(client Client, bucketName string) core.Store {
	return &s3Store{client: client, bucket: bucketName}
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && path.Base(id) == id
}

func metaKey(roomID string) string {
	return path.Join("rooms", roomID, "meta.json")
}

func snapshotPrefix(roomID string) string {
	return path.Join("rooms", roomID, "snapshots") + "/"
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *s3Store) putRecord(ctx context.Context, rec roomRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(metaKey(rec.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

// CreateRoom checks for an existing meta object before writing it. The check
// is serialized within this process only: two relay processes sharing a
// bucket can both create the same caller-chosen id.
func (s *s3Store) CreateRoom(ctx context.Context, room *core.RoomMeta) error {
	if !validID(room.ID) {
		return fmt.Errorf("invalid room id %q", room.ID)
	}
	log := logrus.WithField("room_id", room.ID)

	s.create.Lock()
	defer s.create.Unlock()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(metaKey(room.ID)),
	})
	switch {
	case err == nil:
		return core.ErrRoomExists
	case !isNotFound(err):
		log.WithError(err).Error("Failed to check room")
		return fmt.Errorf("failed to check room %s: %w", room.ID, err)
	}

	if err := s.putRecord(ctx, roomRecord(*room)); err != nil {
		log.WithError(err).Error("Failed to create room")
		return fmt.Errorf("failed to create room %s: %w", room.ID, err)
	}
	log.Info("Room created successfully")
	return nil
}

func (s *s3Store) getRecord(ctx context.Context, roomID string) (*roomRecord, error) {
	if !validID(roomID) {
		return nil, core.ErrRoomNotFound
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(metaKey(roomID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, core.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room %s: %w", roomID, err)
	}
	defer resp.Body.Close()

	var rec roomRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode room %s: %w", roomID, err)
	}
	return &rec, nil
}

func (s *s3Store) GetRoom(ctx context.Context, roomID string) (*core.RoomMeta, error) {
	rec, err := s.getRecord(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room := core.RoomMeta(*rec)
	return &room, nil
}

func (s *s3Store) TouchRoom(ctx context.Context, roomID string) error {
	rec, err := s.getRecord(ctx, roomID)
	if err != nil {
		return err
	}
	rec.LastOpenedAt = time.Now().UTC()
	return s.putRecord(ctx, *rec)
}

func (s *s3Store) SaveSnapshot(ctx context.Context, roomID string, data []byte) (*core.Snapshot, error) {
	if !validID(roomID) {
		return nil, fmt.Errorf("invalid room id %q", roomID)
	}
	id := ulid.Make()
	key := snapshotPrefix(roomID) + id.String()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"snapshot_id": id.String(),
			"room_id":     roomID,
		}).WithError(err).Error("Failed to save snapshot")
		return nil, fmt.Errorf("failed to upload snapshot: %w", err)
	}

	return &core.Snapshot{
		ID:        id.String(),
		RoomID:    roomID,
		CreatedAt: ulid.Time(id.Time()).UTC(),
		Size:      len(data),
	}, nil
}

// list returns the room's snapshot metadata, newest first.
func (s *s3Store) list(ctx context.Context, roomID string) ([]core.Snapshot, error) {
	snapshots := []core.Snapshot{}
	if !validID(roomID) {
		return snapshots, nil
	}
	prefix := snapshotPrefix(roomID)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots for room %s: %w", roomID, err)
		}
		for _, object := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(object.Key), prefix)
			id, err := ulid.ParseStrict(name)
			if err != nil {
				logrus.WithField("key", aws.ToString(object.Key)).Warn("Skipping object with non-ULID name")
				continue
			}
			snapshots = append(snapshots, core.Snapshot{
				ID:        name,
				RoomID:    roomID,
				CreatedAt: ulid.Time(id.Time()).UTC(),
				Size:      int(aws.ToInt64(object.Size)),
			})
		}
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID > snapshots[j].ID })
	return snapshots, nil
}

func (s *s3Store) LatestSnapshot(ctx context.Context, roomID string) (*core.Snapshot, error) {
	snapshots, err := s.list(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, core.ErrSnapshotNotFound
	}
	latest := snapshots[0]

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(snapshotPrefix(roomID) + latest.ID),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, core.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot %s: %w", latest.ID, err)
	}
	defer resp.Body.Close()

	latest.Data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot data: %w", err)
	}
	latest.Size = len(latest.Data)
	return &latest, nil
}

func (s *s3Store) ListSnapshots(ctx context.Context, roomID string) ([]core.Snapshot, error) {
	return s.list(ctx, roomID)
}

func (s *s3Store) PruneSnapshots(ctx context.Context, roomID string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	snapshots, err := s.list(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= keep {
		return 0, nil
	}

	removed := 0
	for _, snap := range snapshots[keep:] {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(snapshotPrefix(roomID) + snap.ID),
		})
		if err != nil {
			return removed, fmt.Errorf("failed to delete snapshot %s: %w", snap.ID, err)
		}
		removed++
	}
	return removed, nil
}

func (s *s3Store) Close() error {
	return nil
}
