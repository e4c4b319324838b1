// Package breaker guards a durable store with a circuit breaker so a failing
// backend is shed quickly instead of stalling every gate lookup and snapshot
// write behind its timeouts.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type Config struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

type store struct {
	next core.Store
	cb   *gobreaker.CircuitBreaker
}

// Wrap returns next guarded by a circuit breaker. Not-found and already-exists
// results are answers, not backend failures, and never trip the breaker.
func Wrap(next core.Store, cfg Config) core.Store {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Store circuit breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, core.ErrRoomNotFound) ||
				errors.Is(err, core.ErrRoomExists) ||
				errors.Is(err, core.ErrSnapshotNotFound)
		},
	})
	return &store{next: next, cb: cb}
}

func call[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (any, error) {
		return fn()
	})
	result, _ := v.(T)
	return result, err
}

func (s *store) CreateRoom(ctx context.Context, room *core.RoomMeta) error {
	_, err := call(s.cb, func() (struct{}, error) {
		return struct{}{}, s.next.CreateRoom(ctx, room)
	})
	return err
}

func (s *store) GetRoom(ctx context.Context, roomID string) (*core.RoomMeta, error) {
	return call(s.cb, func() (*core.RoomMeta, error) {
		return s.next.GetRoom(ctx, roomID)
	})
}

func (s *store) TouchRoom(ctx context.Context, roomID string) error {
	_, err := call(s.cb, func() (struct{}, error) {
		return struct{}{}, s.next.TouchRoom(ctx, roomID)
	})
	return err
}

func (s *store) SaveSnapshot(ctx context.Context, roomID string, data []byte) (*core.Snapshot, error) {
	return call(s.cb, func() (*core.Snapshot, error) {
		return s.next.SaveSnapshot(ctx, roomID, data)
	})
}

func (s *store) LatestSnapshot(ctx context.Context, roomID string) (*core.Snapshot, error) {
	return call(s.cb, func() (*core.Snapshot, error) {
		return s.next.LatestSnapshot(ctx, roomID)
	})
}

func (s *store) ListSnapshots(ctx context.Context, roomID string) ([]core.Snapshot, error) {
	return call(s.cb, func() ([]core.Snapshot, error) {
		return s.next.ListSnapshots(ctx, roomID)
	})
}

func (s *store) PruneSnapshots(ctx context.Context, roomID string, keep int) (int, error) {
	return call(s.cb, func() (int, error) {
		return s.next.PruneSnapshots(ctx, roomID, keep)
	})
}

func (s *store) Close() error {
	return s.next.Close()
}
