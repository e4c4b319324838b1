package collab

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/maandhruv/collab-whiteboard/core"
)

const (
	ReasonRoomNotFound = "room_not_found"
	ReasonInvalidCode  = "invalid_code"

	DefaultCodeCacheSize = 10000

	lookupAttempts = 3
	touchTimeout   = 5 * time.Second
)

// AccessError is returned when a client may not enter a room.
type AccessError struct {
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// Gate checks room access codes against an in-memory cache backed by the
// room store.
type Gate struct {
	rooms   core.RoomStore
	codes   *lru.Cache[string, string]
	metrics *Metrics
	backoff time.Duration
}

func NewGate(rooms core.RoomStore, cacheSize int, metrics *Metrics) (*Gate, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCodeCacheSize
	}
	codes, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create code cache: %w", err)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gate{
		rooms:   rooms,
		codes:   codes,
		metrics: metrics,
		backoff: 100 * time.Millisecond,
	}, nil
}

// Remember caches the code of a room that was just created.
func (g *Gate) Remember(roomID, code string) {
	g.codes.Add(roomID, code)
}

// Authorize returns nil when code opens roomID, or an *AccessError.
func (g *Gate) Authorize(ctx context.Context, roomID, code string) error {
	expected, err := g.lookup(ctx, roomID)
	if err != nil {
		return g.reject(roomID, ReasonRoomNotFound)
	}
	if code == "" || subtle.ConstantTimeCompare([]byte(code), []byte(expected)) != 1 {
		return g.reject(roomID, ReasonInvalidCode)
	}

	go g.touch(roomID)
	return nil
}

func (g *Gate) reject(roomID, reason string) error {
	g.metrics.AuthRejections.WithLabelValues(reason).Inc()
	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"reason":  reason,
	}).Info("Access denied")
	return &AccessError{Reason: reason}
}

func (g *Gate) lookup(ctx context.Context, roomID string) (string, error) {
	if code, ok := g.codes.Get(roomID); ok {
		g.metrics.CodeCache.WithLabelValues("hit").Inc()
		return code, nil
	}
	g.metrics.CodeCache.WithLabelValues("miss").Inc()

	var lastErr error
	for attempt := 1; attempt <= lookupAttempts; attempt++ {
		room, err := g.rooms.GetRoom(ctx, roomID)
		if err == nil {
			g.codes.Add(roomID, room.AccessCode)
			return room.AccessCode, nil
		}
		if errors.Is(err, core.ErrRoomNotFound) {
			return "", err
		}
		lastErr = err
		if attempt < lookupAttempts && !sleep(ctx, time.Duration(attempt)*g.backoff) {
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"attempts": lookupAttempts,
	}).WithError(lastErr).Error("Persistence error looking up room")
	return "", lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (g *Gate) touch(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := g.rooms.TouchRoom(ctx, roomID); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to update last opened time")
	}
}
