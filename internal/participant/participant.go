// Package participant implements the Participant and
// ParticipantConnection slot model described in spec.md §3 and §4.3:
// logical player slots, the per-connection pool that owns them, and
// the back-reference bookkeeping between the two, modelled as indices
// rather than owning pointers per spec.md §9.
package participant

import (
	"fmt"

	"github.com/opera-aberglund/nimble-server-lib/internal/nberr"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepstore"
)

// ReleasedConnectionID is the sentinel a ParticipantConnection's id is
// set to on release, so stale references fault loudly instead of
// silently addressing a recycled slot.
const ReleasedConnectionID = 0x100

// MaxLocalPlayers bounds how many local players a single connection may claim.
const MaxLocalPlayers = 4

// Participant is a single logical player slot inside the game.
type Participant struct {
	ID         uint8
	LocalIndex uint8
	IsUsed     bool
}

// Connection is one transport connection's bundle of 1..N participants.
type Connection struct {
	ID                       uint16
	IsUsed                   bool
	TransportConnectionID    int
	Steps                    *stepstore.Store
	ParticipantIndexes       [MaxLocalPlayers]int
	ParticipantCount         int
	ForcedStepInRowCounter   int
	IncomingStepCountInBufferStats float64
	NoRangesToSendCounter    int
}

// Participants returns the slot's claimed participant indexes into the
// owning Pool's Game-level participant registry.
func (c *Connection) Participants() []int {
	return c.ParticipantIndexes[:c.ParticipantCount]
}

// Pool is the fixed-capacity array of Connection slots plus the
// Participant registry they reference into.
type Pool struct {
	connections         []Connection
	participants        []Participant
	windowCapacity      int
	maxStepOctets       int
	forcedStepThreshold int
}

// NewPool constructs a Pool with maxConnectionCount connection slots
// and maxParticipantCount participant slots.
func NewPool(maxConnectionCount, maxParticipantCount, windowCapacity, maxStepOctets, forcedStepThreshold int) (*Pool, error) {
	if maxConnectionCount <= 0 || maxConnectionCount > 64 {
		return nil, nberr.New("participant.NewPool", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("maxConnectionCount %d out of [1,64]", maxConnectionCount))
	}
	if maxStepOctets <= 0 || maxStepOctets > 24 {
		return nil, nberr.New("participant.NewPool", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("maxSingleParticipantStepOctetCount %d out of [1,24]", maxStepOctets))
	}
	p := &Pool{
		connections:         make([]Connection, maxConnectionCount),
		participants:        make([]Participant, maxParticipantCount+1), // index 0 unused (id 0 means empty)
		windowCapacity:      windowCapacity,
		maxStepOctets:       maxStepOctets,
		forcedStepThreshold: forcedStepThreshold,
	}
	p.ResetAll()
	return p, nil
}

// ResetAll releases every connection and participant slot.
func (p *Pool) ResetAll() {
	for i := range p.connections {
		p.connections[i] = Connection{ID: ReleasedConnectionID}
	}
	for i := range p.participants {
		p.participants[i] = Participant{}
	}
}

// FindByTransportConnectionID returns the in-use connection bound to
// transportConnectionID, or nil if none is assigned.
func (p *Pool) FindByTransportConnectionID(transportConnectionID int) *Connection {
	for i := range p.connections {
		c := &p.connections[i]
		if c.IsUsed && c.TransportConnectionID == transportConnectionID {
			return c
		}
	}
	return nil
}

// ConnectionAt returns the connection slot at index, or nil if out of range.
func (p *Pool) ConnectionAt(index int) *Connection {
	if index < 0 || index >= len(p.connections) {
		return nil
	}
	return &p.connections[index]
}

// ParticipantByID returns the participant with the given id, or nil.
func (p *Pool) ParticipantByID(id uint8) *Participant {
	if int(id) >= len(p.participants) || id == 0 {
		return nil
	}
	pt := &p.participants[id]
	if !pt.IsUsed {
		return nil
	}
	return pt
}

// Create allocates a ParticipantConnection for transportConnectionID,
// initializing its step store at startStepID. Returns an error if no
// free slot remains.
func (p *Pool) Create(transportConnectionID int, startStepID stepid.ID) (*Connection, error) {
	for i := range p.connections {
		c := &p.connections[i]
		if !c.IsUsed {
			store, err := stepstore.New(p.windowCapacity, startStepID)
			if err != nil {
				return nil, err
			}
			*c = Connection{
				ID:                    uint16(i),
				IsUsed:                true,
				TransportConnectionID: transportConnectionID,
				Steps:                 store,
			}
			return c, nil
		}
	}
	return nil, nberr.New("participant.Create", nberr.CategoryCapacity, nberr.CodeCapacityExceeded,
		fmt.Errorf("no free ParticipantConnection slot among %d", len(p.connections)))
}

// AllocateParticipant claims a free participant slot for connection c
// at the given local index. Fails if the global participant registry
// or the connection's local player budget is exhausted.
func (p *Pool) AllocateParticipant(c *Connection, localIndex uint8) (*Participant, error) {
	if c.ParticipantCount >= MaxLocalPlayers {
		return nil, nberr.New("participant.AllocateParticipant", nberr.CategoryCapacity, nberr.CodeCapacityExceeded,
			fmt.Errorf("connection already holds the maximum %d local players", MaxLocalPlayers))
	}
	for i := 1; i < len(p.participants); i++ {
		if !p.participants[i].IsUsed {
			p.participants[i] = Participant{ID: uint8(i), LocalIndex: localIndex, IsUsed: true}
			c.ParticipantIndexes[c.ParticipantCount] = i
			c.ParticipantCount++
			return &p.participants[i], nil
		}
	}
	return nil, nberr.New("participant.AllocateParticipant", nberr.CategoryCapacity, nberr.CodeCapacityExceeded,
		fmt.Errorf("no free Participant slot among %d", len(p.participants)-1))
}

// Release marks c and its participants unused, setting the sentinel id.
func (p *Pool) Release(c *Connection) {
	if c == nil || !c.IsUsed {
		return
	}
	for _, idx := range c.Participants() {
		p.participants[idx] = Participant{}
	}
	*c = Connection{ID: ReleasedConnectionID}
}

// InUseConnections returns every currently assigned connection, in slot order.
func (p *Pool) InUseConnections() []*Connection {
	out := make([]*Connection, 0, len(p.connections))
	for i := range p.connections {
		if p.connections[i].IsUsed {
			out = append(out, &p.connections[i])
		}
	}
	return out
}

// ForcedStepThreshold returns the configured forced-step disconnect threshold.
func (p *Pool) ForcedStepThreshold() int { return p.forcedStepThreshold }
