// Package stepstore implements the fixed-capacity ring buffer keyed by
// monotonically increasing StepId that both per-connection inbound
// step buffers and the Game's authoritative step ring are built on.
package stepstore

import (
	"fmt"

	"github.com/opera-aberglund/nimble-server-lib/internal/nberr"
	"github.com/opera-aberglund/nimble-server-lib/internal/stepid"
)

// Store is a dense ring buffer: there are no gaps, a missing step is
// never represented as a hole. Capacity is fixed at construction.
type Store struct {
	capacity        int
	slots           [][]byte
	expectedReadID  stepid.ID
	expectedWriteID stepid.ID
	stepsCount      int
	head            int // slot holding expectedReadID
}

// New constructs a Store with the given capacity, initialised at startID.
func New(capacity int, startID stepid.ID) (*Store, error) {
	if capacity <= 0 {
		return nil, nberr.New("stepstore.New", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("capacity must be positive, got %d", capacity))
	}
	s := &Store{capacity: capacity, slots: make([][]byte, capacity)}
	s.Init(startID)
	return s, nil
}

// Init resets the store to empty, starting reads and writes at startID.
func (s *Store) Init(startID stepid.ID) {
	if s == nil {
		return
	}
	for i := range s.slots {
		s.slots[i] = nil
	}
	s.expectedReadID = startID
	s.expectedWriteID = startID
	s.stepsCount = 0
	s.head = 0
}

// Reinit is an alias for Init kept to mirror the spec's named operation.
func (s *Store) Reinit(startID stepid.ID) { s.Init(startID) }

// Capacity returns the fixed ring capacity.
func (s *Store) Capacity() int {
	if s == nil {
		return 0
	}
	return s.capacity
}

// ExpectedReadID returns the StepId of the oldest stored step.
func (s *Store) ExpectedReadID() stepid.ID { return s.expectedReadID }

// ExpectedWriteID returns the next StepId that may be written.
func (s *Store) ExpectedWriteID() stepid.ID { return s.expectedWriteID }

// StepsCount returns the number of steps currently stored.
func (s *Store) StepsCount() int { return s.stepsCount }

func (s *Store) index(id stepid.ID) int {
	offset := stepid.Distance(s.expectedReadID, id)
	return (s.head + int(offset)) % s.capacity
}

// Write appends payload at stepId, which must equal ExpectedWriteID
// exactly, and the ring must not be full.
func (s *Store) Write(id stepid.ID, payload []byte) error {
	if id != s.expectedWriteID {
		return nberr.New("stepstore.Write", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("write at %v, expected %v", id, s.expectedWriteID))
	}
	if s.stepsCount >= s.capacity {
		return nberr.New("stepstore.Write", nberr.CategoryCapacity, nberr.CodeCapacityExceeded,
			fmt.Errorf("ring full at capacity %d", s.capacity))
	}
	s.slots[s.index(id)] = payload
	s.expectedWriteID = stepid.Add(id, 1)
	s.stepsCount++
	return nil
}

// Read returns the payload stored at stepId. stepId must lie within
// [expectedReadId, expectedWriteId).
func (s *Store) Read(id stepid.ID) ([]byte, error) {
	if stepid.Before(id, s.expectedReadID) || stepid.AfterOrEqual(id, s.expectedWriteID) {
		return nil, nberr.New("stepstore.Read", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("read at %v outside [%v, %v)", id, s.expectedReadID, s.expectedWriteID))
	}
	return s.slots[s.index(id)], nil
}

// DiscardCount advances expectedReadId by n, dropping the n oldest
// entries. n must not exceed stepsCount.
func (s *Store) DiscardCount(n int) error {
	if n < 0 || n > s.stepsCount {
		return nberr.New("stepstore.DiscardCount", nberr.CategoryInternal, nberr.CodeInternalInvariant,
			fmt.Errorf("discard %d exceeds stepsCount %d", n, s.stepsCount))
	}
	for i := 0; i < n; i++ {
		s.slots[s.index(s.expectedReadID)] = nil
		s.head = (s.head + 1) % s.capacity
		s.expectedReadID = stepid.Add(s.expectedReadID, 1)
	}
	s.stepsCount -= n
	return nil
}

// DiscardUpTo discards every step older than stepId (stepId itself is kept).
func (s *Store) DiscardUpTo(id stepid.ID) error {
	if stepid.Before(id, s.expectedReadID) {
		return nil
	}
	n := int(stepid.Distance(s.expectedReadID, id))
	if n > s.stepsCount {
		n = s.stepsCount
	}
	return s.DiscardCount(n)
}

// Entry is one (StepId, payload) pair produced by ReadRange.
type Entry struct {
	ID      stepid.ID
	Payload []byte
}

// ReadRange returns up to maxCount entries starting at fromId. fromId
// may precede expectedReadId (the range is clamped) or lie within the
// stored window; entries at or beyond expectedWriteId are never
// returned.
func (s *Store) ReadRange(fromID stepid.ID, maxCount int) []Entry {
	if maxCount <= 0 {
		return nil
	}
	start := fromID
	if stepid.Before(start, s.expectedReadID) {
		start = s.expectedReadID
	}
	if stepid.AfterOrEqual(start, s.expectedWriteID) {
		return nil
	}
	available := int(stepid.Distance(start, s.expectedWriteID))
	count := maxCount
	if available < count {
		count = available
	}
	entries := make([]Entry, 0, count)
	id := start
	for i := 0; i < count; i++ {
		entries = append(entries, Entry{ID: id, Payload: s.slots[s.index(id)]})
		id = stepid.Add(id, 1)
	}
	return entries
}
