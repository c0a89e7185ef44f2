// Package engine defines the per-connection byte-stream reliability
// engine consumed by the agent, and a KCP-backed implementation.
package engine

import (
	"errors"
	"hash/fnv"
)

var (
	ErrClosed   = errors.New("engine: closed")
	ErrRejected = errors.New("engine: write rejected")
)

// Sink receives engine output.
type Sink interface {
	// OnPacket is called with a packet for the peer. pkt is only valid
	// for the duration of the call and OnPacket must not call back into
	// the engine.
	OnPacket(pkt []byte)
	// OnReadable is called with in-order application bytes from the peer.
	OnReadable(data []byte) error
}

// Engine turns an unreliable packet exchange into an ordered byte stream.
type Engine interface {
	Attach(sink Sink)
	// NotifyPacket feeds a packet from the peer. False means the packet
	// was rejected and the stream cannot continue.
	NotifyPacket(pkt []byte) bool
	// Write queues application bytes for the peer.
	Write(data []byte) error
	OutstandingSendBytes() int
	OutstandingRecvBytes() int
	Close(force bool)
	// Tick advances the engine clock: retransmissions, acknowledgements
	// and delivery of readable data all happen here.
	Tick()
}

// Factory creates a fresh engine for a conversation.
type Factory func(conv uint32) Engine

// ConvID derives the conversation id both peers use for a session key.
func ConvID(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
