// Package protocol frames and parses the two message kinds exchanged with
// y-websocket clients: document sync and presence (awareness).
package protocol

import (
	"fmt"

	"github.com/maandhruv/collab-whiteboard/codec"
	"github.com/maandhruv/collab-whiteboard/crdt"
)

// MessageType is the leading tag of every frame
type MessageType uint64

const (
	// Yjs sync protocol messages
	MessageSync MessageType = 0

	// Awareness protocol messages (cursors, presence)
	MessageAwareness MessageType = 1
)

// SyncStep is the step in the Yjs sync protocol
type SyncStep uint64

const (
	// Peer sends its state vector
	SyncStep1 SyncStep = 0

	// Reply with the updates the peer is missing
	SyncStep2 SyncStep = 1

	// Incremental update broadcast
	SyncUpdate SyncStep = 2
)

const (
	ReasonMalformedFrame     = "malformed_frame"
	ReasonUnknownMessageType = "unknown_message_type"
)

// Error is a protocol violation. Reason is reported to the offending
// connection when it is closed.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func malformed(err error) *Error {
	return &Error{Reason: ReasonMalformedFrame, Err: err}
}

func unknownType(format string, args ...any) *Error {
	return &Error{Reason: ReasonUnknownMessageType, Err: fmt.Errorf(format, args...)}
}

// Message is a decoded frame. Payload aliases the frame buffer.
type Message struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
}

// Decode parses a single frame. Bytes after the payload are ignored, as Yjs
// clients do.
func Decode(frame []byte) (*Message, error) {
	dec := codec.NewDecoder(frame)
	tag, err := dec.ReadVarUint()
	if err != nil {
		return nil, malformed(err)
	}

	msg := &Message{Type: MessageType(tag)}
	switch msg.Type {
	case MessageSync:
		step, err := dec.ReadVarUint()
		if err != nil {
			return nil, malformed(err)
		}
		if step > uint64(SyncUpdate) {
			return nil, unknownType("sync step %d", step)
		}
		msg.Step = SyncStep(step)
		if msg.Payload, err = dec.ReadVarBytes(); err != nil {
			return nil, malformed(err)
		}
	case MessageAwareness:
		if msg.Payload, err = dec.ReadVarBytes(); err != nil {
			return nil, malformed(err)
		}
	default:
		return nil, unknownType("message type %d", tag)
	}
	return msg, nil
}

func encodeSync(step SyncStep, body []byte) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(MessageSync))
	enc.WriteVarUint(uint64(step))
	enc.WriteVarBytes(body)
	return enc.Bytes()
}

// EncodeSyncStep1 asks the peer for everything missing from stateVector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func EncodeAwareness(update []byte) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(MessageAwareness))
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

// ReadSyncMessage applies a decoded sync message to doc. A step 1 yields the
// step 2 frame to send back to the requester; step 2 and update messages are
// merged into doc with origin attached and yield no reply. Errors returned by
// the document are not protocol errors: the update is discarded and the
// connection stays open.
func ReadSyncMessage(msg *Message, doc crdt.Document, origin any) ([]byte, error) {
	switch msg.Step {
	case SyncStep1:
		diff, err := doc.EncodeDiff(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode diff: %w", err)
		}
		return EncodeSyncStep2(diff), nil
	case SyncStep2, SyncUpdate:
		if _, err := doc.ApplyUpdate(msg.Payload, origin); err != nil {
			return nil, fmt.Errorf("apply update: %w", err)
		}
		return nil, nil
	default:
		return nil, unknownType("sync step %d", msg.Step)
	}
}
