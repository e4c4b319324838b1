package crdt

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/maandhruv/collab-whiteboard/codec"
)

var (
	ErrMalformedUpdate      = errors.New("crdt: malformed update")
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)

// Struct and content reference numbers of the Yjs update v1 encoding.
const (
	refGC      = 0
	refDeleted = 1
	refJSON    = 2
	refBinary  = 3
	refString  = 4
	refEmbed   = 5
	refFormat  = 6
	refType    = 7
	refAny     = 8
	refDoc     = 9
	refSkip    = 10
)

const (
	refMask        = 0x1f
	bitParentSub   = 0x20
	bitRightOrigin = 0x40
	bitOrigin      = 0x80
)

// Type refs whose content carries a name after the ref.
const (
	typeXMLElement = 3
	typeXMLHook    = 5
)

const replacementChar = "\uFFFD"

type itemID struct {
	client uint64
	clock  uint64
}

// content is the payload of an item. Deleted, JSON, string and any content can
// span several clocks and be split; the rest is one clock long and is kept in
// its encoded form.
type content struct {
	ref     byte
	deleted uint64
	str     string
	parts   [][]byte
	raw     []byte
}

func (c *content) length() uint64 {
	switch c.ref {
	case refDeleted:
		return c.deleted
	case refString:
		return utf16Len(c.str)
	case refJSON, refAny:
		return uint64(len(c.parts))
	default:
		return 1
	}
}

// slice returns the content covering clocks [from, to) relative to its start.
func (c content) slice(from, to uint64) content {
	switch c.ref {
	case refDeleted:
		c.deleted = to - from
	case refString:
		_, right := splitUTF16(c.str, from)
		c.str, _ = splitUTF16(right, to-from)
	case refJSON, refAny:
		c.parts = c.parts[from:to]
	}
	return c
}

func (c *content) encode(enc *codec.Encoder) {
	switch c.ref {
	case refDeleted:
		enc.WriteVarUint(c.deleted)
	case refString:
		enc.WriteVarString(c.str)
	case refJSON, refAny:
		enc.WriteVarUint(uint64(len(c.parts)))
		for _, p := range c.parts {
			enc.WriteRaw(p)
		}
	default:
		enc.WriteRaw(c.raw)
	}
}

func decodeContent(dec *codec.Decoder, ref byte) (content, error) {
	c := content{ref: ref}
	start := dec.Offset()
	var err error

	switch ref {
	case refDeleted:
		c.deleted, err = dec.ReadVarUint()
		return c, err
	case refString:
		c.str, err = dec.ReadVarString()
		return c, err
	case refJSON, refAny:
		n, err := dec.ReadVarUint()
		if err != nil {
			return c, err
		}
		if n > uint64(dec.Remaining()) {
			return c, codec.ErrUnexpectedEOF
		}
		c.parts = make([][]byte, 0, n)
		for i := uint64(0); i < n; i++ {
			at := dec.Offset()
			if ref == refJSON {
				_, err = dec.ReadVarBytes()
			} else {
				_, err = dec.ReadAny()
			}
			if err != nil {
				return c, err
			}
			c.parts = append(c.parts, clone(dec.From(at)))
		}
		return c, nil
	case refBinary, refEmbed:
		_, err = dec.ReadVarBytes()
	case refFormat:
		if _, err = dec.ReadVarBytes(); err == nil {
			_, err = dec.ReadVarBytes()
		}
	case refType:
		var typeRef uint64
		if typeRef, err = dec.ReadVarUint(); err == nil && (typeRef == typeXMLElement || typeRef == typeXMLHook) {
			_, err = dec.ReadVarBytes()
		}
	case refDoc:
		if _, err = dec.ReadVarBytes(); err == nil {
			_, err = dec.ReadAny()
		}
	default:
		return c, fmt.Errorf("unknown content ref %d", ref)
	}
	if err != nil {
		return c, err
	}
	c.raw = clone(dec.From(start))
	return c, nil
}

// block is one struct of a client's history: either a garbage-collected range
// or an item. Items that start mid-way through a split keep the left
// neighbour as origin, as Yjs does when it slices a struct.
type block struct {
	id itemID
	gc uint64

	origin      *itemID
	rightOrigin *itemID
	parentKey   *string
	parentID    *itemID
	hasSub      bool
	parentSub   string
	content     content
}

func (b *block) length() uint64 {
	if b.gc > 0 {
		return b.gc
	}
	return b.content.length()
}

func (b *block) end() uint64 { return b.id.clock + b.length() }

// slice returns the part of b covering clocks [from, to) relative to b's
// first clock.
func (b *block) slice(from, to uint64) *block {
	if from == 0 && to == b.length() {
		return b
	}
	out := *b
	out.id.clock = b.id.clock + from
	if b.gc > 0 {
		out.gc = to - from
		return &out
	}
	if from > 0 {
		out.origin = &itemID{client: b.id.client, clock: b.id.clock + from - 1}
	}
	out.content = b.content.slice(from, to)
	return &out
}

func (b *block) encode(enc *codec.Encoder) {
	if b.gc > 0 {
		enc.WriteUint8(refGC)
		enc.WriteVarUint(b.gc)
		return
	}

	info := b.content.ref
	if b.origin != nil {
		info |= bitOrigin
	}
	if b.rightOrigin != nil {
		info |= bitRightOrigin
	}
	if b.hasSub {
		info |= bitParentSub
	}
	enc.WriteUint8(info)
	if b.origin != nil {
		writeID(enc, *b.origin)
	}
	if b.rightOrigin != nil {
		writeID(enc, *b.rightOrigin)
	}
	if b.origin == nil && b.rightOrigin == nil {
		if b.parentKey != nil {
			enc.WriteVarUint(1)
			enc.WriteVarString(*b.parentKey)
		} else {
			enc.WriteVarUint(0)
			writeID(enc, *b.parentID)
		}
		if b.hasSub {
			enc.WriteVarString(b.parentSub)
		}
	}
	b.content.encode(enc)
}

func decodeItem(dec *codec.Decoder, id itemID, info byte) (*block, error) {
	b := &block{id: id, hasSub: info&bitParentSub != 0}
	if info&bitOrigin != 0 {
		origin, err := readID(dec)
		if err != nil {
			return nil, err
		}
		b.origin = &origin
	}
	if info&bitRightOrigin != 0 {
		right, err := readID(dec)
		if err != nil {
			return nil, err
		}
		b.rightOrigin = &right
	}
	if info&(bitOrigin|bitRightOrigin) == 0 {
		isKey, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if isKey == 1 {
			key, err := dec.ReadVarString()
			if err != nil {
				return nil, err
			}
			b.parentKey = &key
		} else {
			parent, err := readID(dec)
			if err != nil {
				return nil, err
			}
			b.parentID = &parent
		}
		if b.hasSub {
			if b.parentSub, err = dec.ReadVarString(); err != nil {
				return nil, err
			}
		}
	}

	c, err := decodeContent(dec, info&refMask)
	if err != nil {
		return nil, err
	}
	b.content = c
	return b, nil
}

func writeID(enc *codec.Encoder, id itemID) {
	enc.WriteVarUint(id.client)
	enc.WriteVarUint(id.clock)
}

func readID(dec *codec.Decoder) (itemID, error) {
	client, err := dec.ReadVarUint()
	if err != nil {
		return itemID{}, err
	}
	clock, err := dec.ReadVarUint()
	if err != nil {
		return itemID{}, err
	}
	return itemID{client: client, clock: clock}, nil
}

// decodeUpdate parses a Yjs update v1. Skip structs are dropped; the gaps they
// stood for are implied by the clocks of the remaining blocks.
func decodeUpdate(update []byte) (map[uint64][]*block, deleteSet, error) {
	dec := codec.NewDecoder(update)
	structs, err := readStructs(dec, len(update))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	ds, err := readDeleteSet(dec, len(update))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: delete set: %v", ErrMalformedUpdate, err)
	}
	if dec.HasContent() {
		return nil, nil, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return structs, ds, nil
}

func readStructs(dec *codec.Decoder, limit int) (map[uint64][]*block, error) {
	clients, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if clients > uint64(limit) {
		return nil, fmt.Errorf("client count %d exceeds payload", clients)
	}

	out := make(map[uint64][]*block, clients)
	for i := uint64(0); i < clients; i++ {
		n, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if n > uint64(limit) {
			return nil, fmt.Errorf("struct count %d exceeds payload", n)
		}
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if _, dup := out[client]; dup {
			return nil, fmt.Errorf("client %d listed twice", client)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}

		blocks := make([]*block, 0, n)
		for j := uint64(0); j < n; j++ {
			info, err := dec.ReadUint8()
			if err != nil {
				return nil, err
			}
			id := itemID{client: client, clock: clock}

			var b *block
			switch info & refMask {
			case refGC, refSkip:
				length, err := dec.ReadVarUint()
				if err != nil {
					return nil, err
				}
				if length == 0 {
					return nil, fmt.Errorf("empty struct at %d:%d", client, clock)
				}
				if info&refMask == refSkip {
					clock += length
					continue
				}
				b = &block{id: id, gc: length}
			default:
				if b, err = decodeItem(dec, id, info); err != nil {
					return nil, err
				}
				if b.length() == 0 {
					return nil, fmt.Errorf("empty item at %d:%d", client, clock)
				}
			}
			blocks = append(blocks, b)
			clock += b.length()
		}
		out[client] = blocks
	}
	return out, nil
}

// encodeUpdate writes blocks and ds as a Yjs update v1. Clients are written in
// descending order like Yjs does, and gaps inside a client's range become skip
// structs.
func encodeUpdate(structs map[uint64][]*block, ds deleteSet) []byte {
	enc := codec.NewEncoder()

	clients := make([]uint64, 0, len(structs))
	for c, blocks := range structs {
		if len(blocks) > 0 {
			clients = append(clients, c)
		}
	}
	sortDescending(clients)

	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		blocks := structs[c]
		count := len(blocks)
		for i := 1; i < len(blocks); i++ {
			if blocks[i].id.clock > blocks[i-1].end() {
				count++
			}
		}
		enc.WriteVarUint(uint64(count))
		enc.WriteVarUint(c)
		enc.WriteVarUint(blocks[0].id.clock)

		clock := blocks[0].id.clock
		for _, b := range blocks {
			if b.id.clock > clock {
				enc.WriteUint8(refSkip)
				enc.WriteVarUint(b.id.clock - clock)
			}
			b.encode(enc)
			clock = b.end()
		}
	}
	ds.encode(enc)
	return enc.Bytes()
}

func decodeStateVector(sv []byte) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64)
	if len(sv) == 0 {
		return out, nil
	}
	dec := codec.NewDecoder(sv)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	if n > uint64(len(sv)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedStateVector, n)
	}
	for i := uint64(0); i < n; i++ {
		id, err := readID(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		out[id.client] = id.clock
	}
	return out, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sortDescending(clients)

	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		writeID(enc, itemID{client: c, clock: sv[c]})
	}
	return enc.Bytes()
}

// utf16Len counts UTF-16 code units, the unit Yjs measures text in.
func utf16Len(s string) uint64 {
	var n uint64
	for _, r := range s {
		n++
		if r >= 0x10000 {
			n++
		}
	}
	return n
}

// splitUTF16 splits s after k UTF-16 code units. A split inside a surrogate
// pair replaces both halves with U+FFFD, matching Yjs.
func splitUTF16(s string, k uint64) (string, string) {
	var units uint64
	for i := 0; i < len(s); {
		if units == k {
			return s[:i], s[i:]
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		width := uint64(1)
		if r >= 0x10000 {
			width = 2
		}
		if units+width > k {
			return s[:i] + replacementChar, replacementChar + s[i+size:]
		}
		units += width
		i += size
	}
	return s, ""
}

func sortDescending(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
