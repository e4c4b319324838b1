package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/maandhruv/collab-whiteboard/crdt"
)

const hydrateTimeout = 10 * time.Second

// Registry owns the live rooms of this process. A room is created on first
// use, hydrated from its latest snapshot, and evicted once it has no
// connections, no unsaved changes and no pending snapshot.
type Registry struct {
	store   core.SnapshotStore
	sched   *Scheduler
	metrics *Metrics
	newDoc  func() crdt.Document

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(store core.SnapshotStore, sched *Scheduler, metrics *Metrics, newDoc func() crdt.Document) *Registry {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if newDoc == nil {
		newDoc = func() crdt.Document { return crdt.NewDoc() }
	}
	reg := &Registry{
		store:   store,
		sched:   sched,
		metrics: metrics,
		newDoc:  newDoc,
		rooms:   make(map[string]*Room),
	}
	sched.onFlushed = reg.flushed
	return reg
}

// GetOrCreate returns the live room for id, creating and hydrating it when
// absent. Every call pins the room until a matching Release. Callers wait on
// Ready before joining.
func (g *Registry) GetOrCreate(id string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[id]; ok {
		room.refs++
		return room
	}

	room := newRoom(id, g.newDoc(), g.metrics, g.sched.MarkDirty)
	room.refs = 1
	g.rooms[id] = room
	g.metrics.RoomsActive.Inc()
	go g.hydrate(room)

	logrus.WithField("room_id", id).Info("Room opened")
	return room
}

// hydrate loads the latest snapshot into room. A missing snapshot starts an
// empty document; a failed load is logged and also starts empty.
func (g *Registry) hydrate(room *Room) {
	defer room.markReady()
	log := logrus.WithField("room_id", room.ID())

	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()

	snapshot, err := g.store.LatestSnapshot(ctx, room.ID())
	if err != nil {
		if !errors.Is(err, core.ErrSnapshotNotFound) {
			log.WithError(err).Error("Failed to load snapshot, starting empty")
		}
		return
	}
	if err := room.hydrate(snapshot.Data); err != nil {
		log.WithError(err).WithField("snapshot_id", snapshot.ID).Error("Failed to apply snapshot, starting empty")
		return
	}
	log.WithFields(logrus.Fields{
		"snapshot_id": snapshot.ID,
		"data_length": len(snapshot.Data),
	}).Info("Room hydrated")
}

// Release drops one pin taken by GetOrCreate and evicts the room when it has
// become idle.
func (g *Registry) Release(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room.refs > 0 {
		room.refs--
	}
	g.tryEvict(room)
}

func (g *Registry) flushed(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tryEvict(room)
}

// tryEvict is called with g.mu held.
func (g *Registry) tryEvict(room *Room) {
	if g.rooms[room.ID()] != room || room.refs > 0 {
		return
	}
	if !room.idle() {
		// A failed flush leaves the room dirty with no timer; re-arm it so the
		// state is eventually saved and the room can go.
		if room.Len() == 0 && room.Dirty() {
			g.sched.MarkDirty(room)
		}
		return
	}
	if g.sched.Pending(room.ID()) {
		return
	}
	delete(g.rooms, room.ID())
	g.metrics.RoomsActive.Dec()
	logrus.WithField("room_id", room.ID()).Info("Room evicted")
}

// Has reports whether id is live in this process.
func (g *Registry) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.rooms[id]
	return ok
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func (g *Registry) list() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Stats returns a per-room summary ordered by room id.
func (g *Registry) Stats() []RoomStats {
	rooms := g.list()
	stats := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		stats = append(stats, room.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Close writes every room with unsaved changes and stops the scheduler.
func (g *Registry) Close(ctx context.Context) error {
	errs := []error{g.sched.FlushAll(ctx)}
	g.sched.Stop()

	// A room whose last flush failed is dirty without a pending timer.
	for _, room := range g.list() {
		if !room.Dirty() {
			continue
		}
		if err := g.sched.Flush(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
