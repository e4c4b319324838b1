package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maandhruv/collab-whiteboard/core"
)

const (
	DefaultSnapshotDelay = 5 * time.Second
	flushTimeout         = 30 * time.Second
)

type pendingFlush struct {
	room  *Room
	timer *time.Timer
}

// Scheduler debounces snapshot writes per room. The first MarkDirty arms a
// timer; further marks while it is pending do nothing, so continuous editing
// still produces a snapshot every delay.
type Scheduler struct {
	store   core.SnapshotStore
	delay   time.Duration
	keep    int
	metrics *Metrics

	mu        sync.Mutex
	pending   map[string]*pendingFlush
	stopped   bool
	inflight  sync.WaitGroup
	onFlushed func(*Room)
}

func NewScheduler(store core.SnapshotStore, delay time.Duration, keep int, metrics *Metrics) *Scheduler {
	if delay <= 0 {
		delay = DefaultSnapshotDelay
	}
	if keep <= 0 {
		keep = core.DefaultSnapshotRetention
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		store:   store,
		delay:   delay,
		keep:    keep,
		metrics: metrics,
		pending: make(map[string]*pendingFlush),
	}
}

// MarkDirty arms the snapshot timer for room unless one is already pending.
func (s *Scheduler) MarkDirty(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.pending[room.ID()]; ok {
		return
	}
	s.pending[room.ID()] = &pendingFlush{
		room:  room,
		timer: time.AfterFunc(s.delay, func() { s.fire(room) }),
	}
}

func (s *Scheduler) Pending(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[roomID]
	return ok
}

func (s *Scheduler) fire(room *Room) {
	s.mu.Lock()
	if p, ok := s.pending[room.ID()]; !ok || p.room != room {
		// Flushed early by FlushAll or cancelled by Stop.
		s.mu.Unlock()
		return
	}
	delete(s.pending, room.ID())
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.Flush(ctx, room); err == nil && s.onFlushed != nil {
		s.onFlushed(room)
	}
}

// Flush writes the room's full state as a new snapshot and prunes old ones.
// On failure the room stays dirty; the next MarkDirty re-arms the timer.
func (s *Scheduler) Flush(ctx context.Context, room *Room) error {
	start := time.Now()
	state, version := room.EncodeState()
	log := logrus.WithFields(logrus.Fields{
		"room_id":     room.ID(),
		"data_length": len(state),
	})

	snapshot, err := s.store.SaveSnapshot(ctx, room.ID(), state)
	if err != nil {
		s.metrics.SnapshotWrites.WithLabelValues("error").Inc()
		log.WithError(err).Error("Failed to save snapshot, room stays dirty")
		return err
	}
	log = log.WithField("snapshot_id", snapshot.ID)

	pruned, err := s.store.PruneSnapshots(ctx, room.ID(), s.keep)
	if err != nil {
		s.metrics.SnapshotWrites.WithLabelValues("prune_error").Inc()
		log.WithError(err).Error("Failed to prune snapshots, room stays dirty")
		return err
	}

	s.metrics.SnapshotWrites.WithLabelValues("ok").Inc()
	s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if !room.markClean(version) {
		log.Debug("Room changed while saving, stays dirty")
	}
	log.WithField("pruned", pruned).Info("Snapshot saved")
	return nil
}

// FlushAll immediately writes every room with a pending timer.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	due := make([]*Room, 0, len(s.pending))
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
		due = append(due, p.room)
	}
	s.mu.Unlock()

	var errs []error
	for _, room := range due {
		if err := s.Flush(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop cancels pending timers and waits for flushes already running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.inflight.Wait()
}
