// Package presence keeps the ephemeral per-client state of a room (cursor,
// display name, color) using the y-protocols awareness encoding:
//
//	varuint count
//	count × [varuint clientID][varuint clock][varString JSON state or "null"]
package presence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/maandhruv/collab-whiteboard/codec"
)

var ErrMalformedUpdate = errors.New("presence: malformed update")

var null = []byte("null")

// Change lists the client ids affected by an update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

func (c Change) ids() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

type entry struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

// Table is not safe for concurrent use; the owning room serializes access.
// Owners are compared with ==, so callers pass pointers.
type Table struct {
	states map[uint64]json.RawMessage
	clocks map[uint64]uint64
	owners map[any]map[uint64]struct{}
}

func NewTable() *Table {
	return &Table{
		states: make(map[uint64]json.RawMessage),
		clocks: make(map[uint64]uint64),
		owners: make(map[any]map[uint64]struct{}),
	}
}

// Apply merges an awareness update sent by owner and returns what changed
// together with the encoded delta to relay to the other connections. Entries
// that appear for the first time are attributed to owner.
func (t *Table) Apply(update []byte, owner any) (Change, []byte, error) {
	entries, err := decode(update)
	if err != nil {
		return Change{}, nil, err
	}

	var change Change
	for _, e := range entries {
		curClock, known := t.clocks[e.ClientID]
		_, present := t.states[e.ClientID]
		removal := e.State == nil

		accept := !known || e.Clock > curClock || (e.Clock == curClock && removal && present)
		if !accept {
			continue
		}
		t.clocks[e.ClientID] = e.Clock

		switch {
		case removal:
			if present {
				t.remove(e.ClientID)
				change.Removed = append(change.Removed, e.ClientID)
			}
		case !present:
			t.states[e.ClientID] = e.State
			t.own(owner, e.ClientID)
			change.Added = append(change.Added, e.ClientID)
		default:
			t.states[e.ClientID] = e.State
			change.Updated = append(change.Updated, e.ClientID)
		}
	}

	if change.Empty() {
		return change, nil, nil
	}
	return change, t.encode(change.ids()), nil
}

// RemoveAll drops every entry introduced by owner and returns the removal
// update to broadcast. Entries introduced by other owners are untouched.
func (t *Table) RemoveAll(owner any) (Change, []byte) {
	ids := t.owners[owner]
	delete(t.owners, owner)

	var change Change
	for id := range ids {
		if _, ok := t.states[id]; !ok {
			continue
		}
		delete(t.states, id)
		t.clocks[id]++
		change.Removed = append(change.Removed, id)
	}
	if change.Empty() {
		return change, nil
	}
	sortIDs(change.Removed)
	return change, t.encode(change.Removed)
}

// Snapshot encodes every current entry, or returns nil when the table is empty.
func (t *Table) Snapshot() []byte {
	if len(t.states) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	return t.encode(ids)
}

func (t *Table) Len() int { return len(t.states) }

// owned reports the ids currently attributed to owner.
func (t *Table) owned(owner any) []uint64 {
	ids := make([]uint64, 0, len(t.owners[owner]))
	for id := range t.owners[owner] {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (t *Table) own(owner any, id uint64) {
	for o, ids := range t.owners {
		if o != owner {
			delete(ids, id)
		}
	}
	ids, ok := t.owners[owner]
	if !ok {
		ids = make(map[uint64]struct{})
		t.owners[owner] = ids
	}
	ids[id] = struct{}{}
}

func (t *Table) remove(id uint64) {
	delete(t.states, id)
	for _, ids := range t.owners {
		delete(ids, id)
	}
}

func (t *Table) encode(ids []uint64) []byte {
	sortIDs(ids)
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(ids)))
	for _, id := range ids {
		enc.WriteVarUint(id)
		enc.WriteVarUint(t.clocks[id])
		if state, ok := t.states[id]; ok {
			enc.WriteVarString(string(state))
		} else {
			enc.WriteVarString(string(null))
		}
	}
	return enc.Bytes()
}

func decode(update []byte) ([]entry, error) {
	dec := codec.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(len(update)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedUpdate, n)
	}

	entries := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e entry
		if e.ClientID, err = dec.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		if e.Clock, err = dec.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		raw, err := dec.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		raw = bytes.TrimSpace(raw)
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: client %d state is not JSON", ErrMalformedUpdate, e.ClientID)
		}
		if !bytes.Equal(raw, null) {
			e.State = append(json.RawMessage(nil), raw...)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// EncodeEntry builds a single-entry awareness update; state nil encodes a
// removal.
func EncodeEntry(clientID, clock uint64, state json.RawMessage) []byte {
	if state == nil {
		state = null
	}
	enc := codec.NewEncoder()
	enc.WriteVarUint(1)
	enc.WriteVarUint(clientID)
	enc.WriteVarUint(clock)
	enc.WriteVarString(string(state))
	return enc.Bytes()
}

// Decode returns the client id → state map carried by an update. Removed
// entries map to nil.
func Decode(update []byte) (map[uint64]json.RawMessage, error) {
	entries, err := decode(update)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]json.RawMessage, len(entries))
	for _, e := range entries {
		out[e.ClientID] = e.State
	}
	return out, nil
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
