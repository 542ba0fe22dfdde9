package engine

import "fmt"

// Role selects which side of the handshake a peer initiates.
type Role uint8

const (
	Client Role = 0
	Server Role = 1
)

func (r Role) String() string {
	switch r {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == Client {
		return Server
	}
	return Client
}

// StreamID identifies one message's stream. The low two bits are the
// namespace: bit0 initiator (0 client, 1 server), bit1 directionality
// (1 unidirectional). The remaining bits count streams per namespace.
type StreamID uint64

const (
	initiatorBit  StreamID = 0x1
	uniBit        StreamID = 0x2
	namespaceMask          = initiatorBit | uniBit

	// StreamIDStep separates consecutive ids within one namespace.
	StreamIDStep StreamID = 4
)

// FirstUniStreamID is the first unidirectional id a role allocates.
func FirstUniStreamID(r Role) StreamID {
	return uniBit | StreamID(r&1)
}

// Initiator returns the role that allocated id.
func (id StreamID) Initiator() Role {
	return Role(id & initiatorBit)
}

// Unidirectional reports whether id names a unidirectional stream.
func (id StreamID) Unidirectional() bool {
	return id&uniBit != 0
}

// Namespace returns the low two bits.
func (id StreamID) Namespace() StreamID {
	return id & namespaceMask
}

// Seq returns the per-namespace counter.
func (id StreamID) Seq() uint64 {
	return uint64(id >> 2)
}

// Next returns the id following id in the same namespace.
func (id StreamID) Next() StreamID {
	return id + StreamIDStep
}

// Allocator hands out strictly increasing unidirectional ids for one role.
// Not safe for concurrent use.
type Allocator struct {
	next StreamID
}

// NewAllocator starts at FirstUniStreamID(r).
func NewAllocator(r Role) *Allocator {
	return &Allocator{next: FirstUniStreamID(r)}
}

// Allocate returns a fresh id. It panics once the 62-bit counter space is
// exhausted rather than wrap and reuse an id.
func (a *Allocator) Allocate() StreamID {
	id := a.next
	if id.Next() < id {
		panic("engine: stream id space exhausted")
	}
	a.next = id.Next()
	return id
}
