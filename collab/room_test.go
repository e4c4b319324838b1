package collab

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maandhruv/collab-whiteboard/crdt"
	"github.com/maandhruv/collab-whiteboard/crdt/crdttest"
	"github.com/maandhruv/collab-whiteboard/presence"
	"github.com/maandhruv/collab-whiteboard/protocol"
)

func TestJoinSendsHandshake(t *testing.T) {
	room := readyRoom(t, "handshake")
	first := newPeer("first")
	room.Join(first)

	frames := first.received()
	require.Len(t, frames, 1, "empty presence table sends no awareness frame")
	state, _ := room.EncodeState()
	doc := crdt.NewDoc()
	_, err := doc.ApplyUpdate(state, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.EncodeSyncStep1(doc.EncodeStateVector()), frames[0])

	require.NoError(t, room.HandleAwareness(first, presence.EncodeEntry(10, 0, json.RawMessage(`{"cursor":[1,2]}`))))

	second := newPeer("second")
	room.Join(second)
	frames = second.received()
	require.Len(t, frames, 2)

	msg, err := protocol.Decode(frames[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageAwareness, msg.Type)
	states, err := presence.Decode(msg.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cursor":[1,2]}`, string(states[10]))
	assert.Equal(t, 2, room.Len())
}

func TestHandleSyncBroadcastsWithoutEcho(t *testing.T) {
	var marked int
	room := newRoom("fanout", crdt.NewDoc(), NewMetrics(nil), func(*Room) { marked++ })
	room.markReady()

	a, b, c := newPeer("a"), newPeer("b"), newPeer("c")
	for _, p := range []*fakePeer{a, b, c} {
		room.Join(p)
		p.reset()
	}

	update := edit(t, room, a, 1, "rect")

	assert.Empty(t, a.received(), "origin must not receive its own update")
	for _, p := range []*fakePeer{b, c} {
		require.Len(t, p.received(), 1)
		assert.Equal(t, protocol.EncodeUpdate(update), p.received()[0])
	}
	assert.True(t, room.Dirty())
	assert.NotNil(t, room.Stats().LastChange)
	assert.Equal(t, 1, marked)
}

func TestHandleSyncDuplicateUpdateIsSilent(t *testing.T) {
	var marked int
	room := newRoom("dup", crdt.NewDoc(), NewMetrics(nil), func(*Room) { marked++ })
	room.markReady()
	a, b := newPeer("a"), newPeer("b")
	room.Join(a)
	room.Join(b)

	update := edit(t, room, a, 1, "rect")
	a.reset()
	b.reset()

	msg, err := protocol.Decode(protocol.EncodeUpdate(update))
	require.NoError(t, err)
	require.NoError(t, room.HandleSync(b, msg))

	assert.Empty(t, a.received(), "no relay when nothing changed")
	assert.Empty(t, b.received())
	assert.Equal(t, 1, marked)
}

func TestHandleSyncRelaysDeletesOnce(t *testing.T) {
	room := readyRoom(t, "deletes")
	a, b := newPeer("a"), newPeer("b")
	room.Join(a)
	room.Join(b)
	edit(t, room, a, 1, "rect")
	b.reset()

	del := crdttest.Delete(1, 0, 2)
	msg, err := protocol.Decode(protocol.EncodeUpdate(del))
	require.NoError(t, err)
	require.NoError(t, room.HandleSync(a, msg))
	require.NoError(t, room.HandleSync(a, msg))

	require.Len(t, b.received(), 1, "a repeated delete changes nothing")
	assert.Equal(t, protocol.EncodeUpdate(del), b.received()[0])
}

func TestHandleSyncStep1RepliesToSenderOnly(t *testing.T) {
	room := readyRoom(t, "step1")
	a, b := newPeer("a"), newPeer("b")
	room.Join(a)
	room.Join(b)
	update := edit(t, room, a, 1, "rect")
	a.reset()
	b.reset()

	msg, err := protocol.Decode(protocol.EncodeSyncStep1(crdttest.EmptyStateVector))
	require.NoError(t, err)
	require.NoError(t, room.HandleSync(b, msg))

	assert.Empty(t, a.received())
	require.Len(t, b.received(), 1)
	assert.Equal(t, protocol.EncodeSyncStep2(update), b.received()[0])
	assert.True(t, room.Dirty(), "a step 1 does not clean the room")
}

func TestBroadcastSkipsFullConnections(t *testing.T) {
	metrics := NewMetrics(nil)
	room := newRoom("slow", crdt.NewDoc(), metrics, nil)
	room.markReady()

	a, slow, b := newPeer("a"), newPeer("slow"), newPeer("b")
	for _, p := range []*fakePeer{a, slow, b} {
		room.Join(p)
		p.reset()
	}
	slow.full = true

	edit(t, room, a, 1, "rect")

	assert.Len(t, b.received(), 1)
	assert.Empty(t, slow.received())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BroadcastSkipped))
}

func TestLeaveReleasesOwnedPresence(t *testing.T) {
	room := readyRoom(t, "presence")
	a, b := newPeer("a"), newPeer("b")
	room.Join(a)
	room.Join(b)
	b.reset()

	require.NoError(t, room.HandleAwareness(a, presence.EncodeEntry(10, 3, json.RawMessage(`{"name":"ada"}`))))
	require.Len(t, b.received(), 1, "presence delta relayed to other peers")
	assert.Len(t, a.received(), 1, "only the handshake reached the sender")
	require.NoError(t, room.HandleAwareness(b, presence.EncodeEntry(20, 0, json.RawMessage(`{"name":"bo"}`))))
	b.reset()

	room.Leave(a)

	frames := b.received()
	require.Len(t, frames, 1)
	msg, err := protocol.Decode(frames[0])
	require.NoError(t, err)
	states, err := presence.Decode(msg.Payload)
	require.NoError(t, err)
	assert.Len(t, states, 1)
	assert.Contains(t, states, uint64(10))
	assert.Nil(t, states[10])

	stats := room.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Presence)

	room.Leave(a)
	assert.Len(t, b.received(), 1, "leaving twice is a no-op")
}

func TestHandleErrorsClassification(t *testing.T) {
	room := readyRoom(t, "errors")
	a, b := newPeer("a"), newPeer("b")
	room.Join(a)
	room.Join(b)
	b.reset()

	msg := &protocol.Message{Type: protocol.MessageSync, Step: protocol.SyncUpdate, Payload: []byte{0xff}}
	err := room.HandleSync(a, msg)
	require.Error(t, err)
	assert.False(t, IsProtocolError(err), "document errors keep the connection open")

	err = room.HandleAwareness(a, []byte{0x01, 0x05})
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))

	assert.Empty(t, b.received())
	assert.False(t, room.Dirty())
}

func TestMarkCleanRequiresCurrentVersion(t *testing.T) {
	room := readyRoom(t, "version")
	a := newPeer("a")
	room.Join(a)

	edit(t, room, a, 1, "one")
	_, version := room.EncodeState()
	edit(t, room, a, 2, "two")

	assert.False(t, room.markClean(version))
	assert.True(t, room.Dirty())

	_, version = room.EncodeState()
	assert.True(t, room.markClean(version))
	assert.False(t, room.Dirty())
}
