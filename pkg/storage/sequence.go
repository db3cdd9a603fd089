package storage

import "sync/atomic"

// Sequence generates strictly increasing ids. Ids handed to a transaction
// that later rolls back are not reused.
type Sequence struct {
	last atomic.Int64
}

// NewSequence creates a sequence whose first id is start+1.
// On fresh start → start = 0
// On reopen → start = highest persisted id
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequence) Next() int64 {
	return s.last.Add(1)
}

// Current returns the last issued id.
func (s *Sequence) Current() int64 {
	return s.last.Load()
}
