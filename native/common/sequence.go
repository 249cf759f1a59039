package common

// Sequence hands out monotonically increasing identifiers starting at 1.
// Intents, sub-intents and withdrawals share one sequence so an id is unique
// across all of them.
type Sequence struct {
	last uint64
}

// Next returns the next identifier.
func (s *Sequence) Next() uint64 {
	s.last++
	return s.last
}

// Last returns the most recently issued identifier.
func (s *Sequence) Last() uint64 { return s.last }

// Reset sets the last issued identifier, used when restoring a snapshot.
func (s *Sequence) Reset(last uint64) { s.last = last }
