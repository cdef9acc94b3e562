// Package transport defines the datagram transport boundary consumed
// by the server core (spec.md §6) plus the per-transport-connection
// session state layered on top of it (spec.md §3).
package transport

import (
	"github.com/opera-aberglund/nimble-server-lib/internal/participant"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
	"github.com/opera-aberglund/nimble-server-lib/internal/wire"
)

// Transport is the non-blocking datagram transport the core polls.
// ReceiveFrom returns (0, nil, false, nil) when nothing is pending;
// connection indices are small integers stable for the session's
// lifetime.
type Transport interface {
	ReceiveFrom() (connectionID int, buf []byte, ok bool, err error)
	SendTo(connectionID int, buf []byte) error
}

// Phase is the lifecycle state of a TransportConnection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitialStateDetermined
	PhasePendingReconnect
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitialStateDetermined:
		return "initial_state_determined"
	case PhasePendingReconnect:
		return "pending_reconnect"
	default:
		return "unknown"
	}
}

// Connection is the datagram-transport-level session, independent of
// whether a ParticipantConnection has been assigned to it yet.
type Connection struct {
	IsUsed                        bool
	TransportConnectionID         int
	AssignedParticipantConnection *participant.Connection
	InLogic                       wire.OrderedDatagramCodec
	OutLogic                      wire.OrderedDatagramCodec
	Phase                         Phase
	NextAuthoritativeStepIDToSend stepid.ID

	// Outbound blob-stream state, set while a state-snapshot download is live.
	BlobStreamChannel   uint8
	BlobStreamActive    bool
	BlobStreamClientReq uint8

	StepsBehindStats float64
}

// Pool holds the fixed-capacity array of transport-level connection
// slots, indexed directly by connection id (spec.md §4.7 caps this at 64).
type Pool struct {
	connections []Connection
}

// NewPool constructs a transport connection pool with capacity slots.
func NewPool(capacity int) *Pool {
	return &Pool{connections: make([]Connection, capacity)}
}

// Capacity returns the fixed number of connection slots.
func (p *Pool) Capacity() int { return len(p.connections) }

// ConnectedCount returns how many connection slots are currently in use.
func (p *Pool) ConnectedCount() int {
	count := 0
	for i := range p.connections {
		if p.connections[i].IsUsed {
			count++
		}
	}
	return count
}

// Get returns the connection slot at index, or nil if out of range.
func (p *Pool) Get(index int) *Connection {
	if index < 0 || index >= len(p.connections) {
		return nil
	}
	return &p.connections[index]
}

// Ensure returns the connection slot at index, creating (marking used)
// it if it was not already in use.
func (p *Pool) Ensure(index int) *Connection {
	c := p.Get(index)
	if c == nil {
		return nil
	}
	if !c.IsUsed {
		*c = Connection{IsUsed: true, TransportConnectionID: index}
	}
	return c
}

// Release resets the connection slot at index to its zero state.
func (p *Pool) Release(index int) {
	c := p.Get(index)
	if c == nil {
		return
	}
	*c = Connection{}
}
