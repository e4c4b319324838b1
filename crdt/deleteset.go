package crdt

import (
	"fmt"
	"sort"

	"github.com/maandhruv/collab-whiteboard/codec"
)

type span struct {
	clock  uint64
	length uint64
}

func (s span) end() uint64 { return s.clock + s.length }

// deleteSet maps a client to its deleted clock ranges, sorted and merged.
type deleteSet map[uint64][]span

func (ds deleteSet) empty() bool {
	for _, spans := range ds {
		if len(spans) > 0 {
			return false
		}
	}
	return true
}

// add merges [clock, clock+length) into the client's ranges.
func (ds deleteSet) add(client, clock, length uint64) {
	if length == 0 {
		return
	}
	spans := ds[client]
	next := span{clock: clock, length: length}

	i := sort.Search(len(spans), func(i int) bool { return spans[i].end() >= next.clock })
	j := i
	for j < len(spans) && spans[j].clock <= next.end() {
		if spans[j].clock < next.clock {
			next.length += next.clock - spans[j].clock
			next.clock = spans[j].clock
		}
		if e := spans[j].end(); e > next.end() {
			next.length = e - next.clock
		}
		j++
	}

	merged := make([]span, 0, len(spans)-(j-i)+1)
	merged = append(merged, spans[:i]...)
	merged = append(merged, next)
	merged = append(merged, spans[j:]...)
	ds[client] = merged
}

// missing returns the parts of other that ds does not cover yet.
func (ds deleteSet) missing(other deleteSet) deleteSet {
	out := make(deleteSet)
	for client, spans := range other {
		have := ds[client]
		for _, s := range spans {
			pos := s.clock
			k := sort.Search(len(have), func(i int) bool { return have[i].end() > pos })
			for ; k < len(have) && have[k].clock < s.end(); k++ {
				if have[k].clock > pos {
					out.add(client, pos, have[k].clock-pos)
				}
				if e := have[k].end(); e > pos {
					pos = e
				}
			}
			if pos < s.end() {
				out.add(client, pos, s.end()-pos)
			}
		}
	}
	return out
}

func (ds deleteSet) merge(other deleteSet) {
	for client, spans := range other {
		for _, s := range spans {
			ds.add(client, s.clock, s.length)
		}
	}
}

func (ds deleteSet) encode(enc *codec.Encoder) {
	clients := make([]uint64, 0, len(ds))
	for c, spans := range ds {
		if len(spans) > 0 {
			clients = append(clients, c)
		}
	}
	sortDescending(clients)

	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		enc.WriteVarUint(c)
		enc.WriteVarUint(uint64(len(ds[c])))
		for _, s := range ds[c] {
			enc.WriteVarUint(s.clock)
			enc.WriteVarUint(s.length)
		}
	}
}

func readDeleteSet(dec *codec.Decoder, limit int) (deleteSet, error) {
	clients, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if clients > uint64(limit) {
		return nil, fmt.Errorf("client count %d exceeds payload", clients)
	}

	ds := make(deleteSet)
	for i := uint64(0); i < clients; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		n, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if n > uint64(limit) {
			return nil, fmt.Errorf("range count %d exceeds payload", n)
		}
		for j := uint64(0); j < n; j++ {
			clock, err := dec.ReadVarUint()
			if err != nil {
				return nil, err
			}
			length, err := dec.ReadVarUint()
			if err != nil {
				return nil, err
			}
			ds.add(client, clock, length)
		}
	}
	return ds, nil
}
