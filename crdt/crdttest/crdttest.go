// Package crdttest builds Yjs update v1 byte strings shaped exactly like the
// ones a Yjs client sends, for tests that drive a room without a browser.
package crdttest

import (
	"sort"

	"github.com/maandhruv/collab-whiteboard/codec"
)

// textName is the root Y.Text the builders write to.
const textName = "content"

// Empty is the state of a new Y.Doc.
var Empty = []byte{0, 0}

// EmptyStateVector is the state vector of a new Y.Doc.
var EmptyStateVector = []byte{0}

// TextAppend is the update a client emits when it appends text to the root
// Y.Text after its own earlier insertions, which end at clock. The first
// insertion (clock 0) has no origin and names the root type instead.
func TextAppend(client, clock uint64, text string) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(1)
	enc.WriteVarUint(1)
	enc.WriteVarUint(client)
	enc.WriteVarUint(clock)
	if clock == 0 {
		enc.WriteUint8(4)
		enc.WriteVarUint(1)
		enc.WriteVarString(textName)
	} else {
		enc.WriteUint8(4 | 0x80)
		enc.WriteVarUint(client)
		enc.WriteVarUint(clock - 1)
	}
	enc.WriteVarString(text)
	enc.WriteVarUint(0)
	return enc.Bytes()
}

// MapSet is the update for ymap.set(key, value) on a root Y.Map when key was
// not set before. value is written as a lib0 string.
func MapSet(client, clock uint64, mapName, key, value string) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(1)
	enc.WriteVarUint(1)
	enc.WriteVarUint(client)
	enc.WriteVarUint(clock)
	enc.WriteUint8(8 | 0x20)
	enc.WriteVarUint(1)
	enc.WriteVarString(mapName)
	enc.WriteVarString(key)
	enc.WriteVarUint(1)
	enc.WriteUint8(119)
	enc.WriteVarString(value)
	enc.WriteVarUint(0)
	return enc.Bytes()
}

// Delete is the update for deleting length clocks of client starting at clock.
func Delete(client, clock, length uint64) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(0)
	enc.WriteVarUint(1)
	enc.WriteVarUint(client)
	enc.WriteVarUint(1)
	enc.WriteVarUint(clock)
	enc.WriteVarUint(length)
	return enc.Bytes()
}

// StateVector encodes clocks the way Y.encodeStateVector does.
func StateVector(clocks map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(clocks))
	for c := range clocks {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })

	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		enc.WriteVarUint(c)
		enc.WriteVarUint(clocks[c])
	}
	return enc.Bytes()
}
