package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maandhruv/collab-whiteboard/crdt"
	"github.com/maandhruv/collab-whiteboard/presence"
	"github.com/maandhruv/collab-whiteboard/protocol"
)

// Peer is one connection's view from inside a room. Send must not block: it
// enqueues frame and reports false when the connection's queue is full or
// closed.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}

type originKind int

// originHydrate marks updates replayed from a snapshot; they are not new
// mutations and never make the room dirty.
const originHydrate originKind = 1

// Room holds the live state of one collaboration session. All access to the
// document, presence table and connection set goes through the room mutex.
type Room struct {
	id      string
	ready   chan struct{}
	metrics *Metrics
	onDirty func(*Room)

	mu           sync.Mutex
	doc          crdt.Document
	presence     *presence.Table
	peers        map[Peer]struct{}
	dirty        bool
	version      uint64
	lastMutation time.Time

	// refs is guarded by the registry lock.
	refs int
}

func newRoom(id string, doc crdt.Document, metrics *Metrics, onDirty func(*Room)) *Room {
	r := &Room{
		id:       id,
		ready:    make(chan struct{}),
		metrics:  metrics,
		onDirty:  onDirty,
		doc:      doc,
		presence: presence.NewTable(),
		peers:    make(map[Peer]struct{}),
	}
	// Called with r.mu held: every ApplyUpdate happens under the room lock.
	doc.OnUpdate(func(update []byte, origin any) {
		if origin == originHydrate {
			return
		}
		r.broadcast(protocol.EncodeUpdate(update), origin)
		r.dirty = true
		r.version++
		r.lastMutation = time.Now()
		if r.onDirty != nil {
			r.onDirty(r)
		}
	})
	return r
}

func (r *Room) ID() string { return r.id }

// Ready is closed once hydration from the latest snapshot has finished or
// been skipped.
func (r *Room) Ready() <-chan struct{} { return r.ready }

func (r *Room) hydrate(snapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.doc.ApplyUpdate(snapshot, originHydrate)
	return err
}

func (r *Room) markReady() {
	close(r.ready)
}

// Join registers p and greets it with a sync step 1 and, when the room has
// presence entries, the full presence state. Callers wait for Ready first.
func (r *Room) Join(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[p] = struct{}{}
	r.send(p, protocol.EncodeSyncStep1(r.doc.EncodeStateVector()))
	if snapshot := r.presence.Snapshot(); snapshot != nil {
		r.send(p, protocol.EncodeAwareness(snapshot))
	}
	if r.metrics != nil {
		r.metrics.ConnectionsActive.Inc()
	}
}

// Leave releases every presence entry p introduced, announces the removal to
// the remaining peers and then forgets p.
func (r *Room) Leave(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p]; !ok {
		return
	}
	change, removal := r.presence.RemoveAll(p)
	if removal != nil {
		r.broadcast(protocol.EncodeAwareness(removal), p)
		logrus.WithFields(logrus.Fields{
			"room_id":       r.id,
			"connection_id": p.ID(),
			"removed":       len(change.Removed),
		}).Debug("Released presence entries")
	}
	delete(r.peers, p)
	if r.metrics != nil {
		r.metrics.ConnectionsActive.Dec()
	}
}

// HandleSync applies a sync message from p. A step 2 reply to p's step 1 goes
// to p only; new document state reaches the other peers through the update
// listener. Document errors leave the shared state untouched.
func (r *Room) HandleSync(p Peer, msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reply, err := protocol.ReadSyncMessage(msg, r.doc, p)
	if err != nil {
		return err
	}
	if reply != nil {
		r.send(p, reply)
	}
	return nil
}

// HandleAwareness applies a presence update attributed to p and relays the
// delta to every other peer.
func (r *Room) HandleAwareness(p Peer, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, delta, err := r.presence.Apply(update, p)
	if err != nil {
		return err
	}
	if delta != nil {
		r.broadcast(protocol.EncodeAwareness(delta), p)
	}
	return nil
}

// EncodeState returns the full document state together with the mutation
// version it reflects.
func (r *Room) EncodeState() ([]byte, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate(), r.version
}

// markClean clears the dirty flag unless the room changed after version was
// taken.
func (r *Room) markClean(version uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.version != version {
		return false
	}
	r.dirty = false
	return true
}

func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

type RoomStats struct {
	ID          string     `json:"id"`
	Connections int        `json:"connections"`
	Presence    int        `json:"presence"`
	Dirty       bool       `json:"dirty"`
	LastChange  *time.Time `json:"lastChange,omitempty"`
}

func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := RoomStats{
		ID:          r.id,
		Connections: len(r.peers),
		Presence:    r.presence.Len(),
		Dirty:       r.dirty,
	}
	if !r.lastMutation.IsZero() {
		last := r.lastMutation
		stats.LastChange = &last
	}
	return stats
}

func (r *Room) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers) == 0 && !r.dirty
}

// broadcast sends frame to every peer except origin. Called with r.mu held.
func (r *Room) broadcast(frame []byte, origin any) {
	for p := range r.peers {
		if origin != nil && any(p) == origin {
			continue
		}
		r.send(p, frame)
	}
}

func (r *Room) send(p Peer, frame []byte) {
	if p.Send(frame) {
		return
	}
	if r.metrics != nil {
		r.metrics.BroadcastSkipped.Inc()
	}
	logrus.WithFields(logrus.Fields{
		"room_id":       r.id,
		"connection_id": p.ID(),
	}).Debug("Skipped frame for unwritable connection")
}

// IsProtocolError reports whether err should close the connection that caused
// it, as opposed to a document error that only discards the update.
func IsProtocolError(err error) bool {
	var perr *protocol.Error
	return errors.As(err, &perr) || errors.Is(err, presence.ErrMalformedUpdate)
}
