// Package crdt holds the replicated document behind each room. Doc speaks the
// Yjs update v1 encoding that y-websocket clients exchange: it merges updates
// at the struct level, the way Yjs merges updates without loading them into a
// Y.Doc, and never interprets the shared types themselves. Integration and
// conflict resolution happen in the clients.
package crdt

import "sort"

// UpdateHandler receives the binary delta of state that was actually new to
// the document, together with the origin passed to ApplyUpdate.
type UpdateHandler func(update []byte, origin any)

// Document is a replicated document. Implementations are not safe for
// concurrent use; the owner serializes all calls.
type Document interface {
	// ApplyUpdate merges a remote update and returns the part of it that was
	// new. A nil delta means nothing changed and no handler was notified.
	ApplyUpdate(update []byte, origin any) ([]byte, error)
	EncodeStateAsUpdate() []byte
	EncodeStateVector() []byte
	// EncodeDiff returns every struct the holder of stateVector has not seen,
	// plus the whole delete set.
	EncodeDiff(stateVector []byte) ([]byte, error)
	OnUpdate(fn UpdateHandler)
}

// Doc stores each client's structs ordered by clock. Ranges that have not
// arrived yet are left as gaps and encoded as skip structs, so a state may be
// served before it is complete.
type Doc struct {
	clients  map[uint64][]*block
	deletes  deleteSet
	handlers []UpdateHandler
}

var _ Document = (*Doc)(nil)

func NewDoc() *Doc {
	return &Doc{
		clients: make(map[uint64][]*block),
		deletes: make(deleteSet),
	}
}

func (d *Doc) OnUpdate(fn UpdateHandler) {
	d.handlers = append(d.handlers, fn)
}

func (d *Doc) ApplyUpdate(update []byte, origin any) ([]byte, error) {
	structs, ds, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}

	added := make(map[uint64][]*block)
	for client, blocks := range structs {
		for _, b := range blocks {
			added[client] = append(added[client], d.missing(client, b)...)
		}
	}
	deleted := d.deletes.missing(ds)

	changed := !deleted.empty()
	for client, blocks := range added {
		if len(blocks) == 0 {
			delete(added, client)
			continue
		}
		d.clients[client] = mergeBlocks(d.clients[client], blocks)
		changed = true
	}
	if !changed {
		return nil, nil
	}
	d.deletes.merge(deleted)

	delta := encodeUpdate(added, deleted)
	for _, fn := range d.handlers {
		fn(delta, origin)
	}
	return delta, nil
}

func (d *Doc) EncodeStateAsUpdate() []byte {
	return encodeUpdate(d.clients, d.deletes)
}

// EncodeStateVector reports, per client, the end of the range held without
// gaps from clock 0.
func (d *Doc) EncodeStateVector() []byte {
	sv := make(map[uint64]uint64, len(d.clients))
	for client, blocks := range d.clients {
		if len(blocks) == 0 || blocks[0].id.clock != 0 {
			continue
		}
		end := blocks[0].end()
		for _, b := range blocks[1:] {
			if b.id.clock != end {
				break
			}
			end = b.end()
		}
		sv[client] = end
	}
	return encodeStateVector(sv)
}

func (d *Doc) EncodeDiff(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	diff := make(map[uint64][]*block, len(d.clients))
	for client, blocks := range d.clients {
		from := sv[client]
		i := sort.Search(len(blocks), func(i int) bool { return blocks[i].end() > from })
		for _, b := range blocks[i:] {
			if b.id.clock < from {
				b = b.slice(from-b.id.clock, b.length())
			}
			diff[client] = append(diff[client], b)
		}
	}
	return encodeUpdate(diff, d.deletes), nil
}

// missing returns the pieces of b whose clocks the document does not hold.
func (d *Doc) missing(client uint64, b *block) []*block {
	have := d.clients[client]
	start, end := b.id.clock, b.end()
	pos := start

	var out []*block
	i := sort.Search(len(have), func(i int) bool { return have[i].end() > pos })
	for ; i < len(have) && have[i].id.clock < end; i++ {
		if have[i].id.clock > pos {
			out = append(out, b.slice(pos-start, have[i].id.clock-start))
		}
		if e := have[i].end(); e > pos {
			pos = e
		}
	}
	if pos < end {
		out = append(out, b.slice(pos-start, end-start))
	}
	return out
}

// mergeBlocks merges two clock-ordered, non-overlapping lists.
func mergeBlocks(a, b []*block) []*block {
	out := make([]*block, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].id.clock < b[j].id.clock {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
