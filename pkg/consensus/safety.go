package consensus

import (
	"fmt"
	"sync"
)

// SafetyRules guards this replica's votes: at most one vote per round, rounds
// strictly increasing, and never for a block whose certified parent is below
// the locked round.
type SafetyRules struct {
	mu             sync.Mutex
	lastVotedRound Round
	lockedRound    Round
}

func NewSafetyRules() *SafetyRules { return &SafetyRules{} }

func (s *SafetyRules) LastVotedRound() Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVotedRound
}

func (s *SafetyRules) LockedRound() Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedRound
}

// UpdateLock raises the locked round to the parent round of a newly
// certified block (two-chain locking).
func (s *SafetyRules) UpdateLock(certified *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := certified.ParentRound(); r > s.lockedRound {
		s.lockedRound = r
	}
}

// CheckVote decides whether b may be voted for and, if so, records the vote.
func (s *SafetyRules) CheckVote(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Round <= s.lastVotedRound {
		return fmt.Errorf("%w: already voted in round %d, block round %d", ErrUnsafeVote, s.lastVotedRound, b.Round)
	}
	if b.ParentRound() < s.lockedRound {
		return fmt.Errorf("%w: parent round %d below locked round %d", ErrUnsafeVote, b.ParentRound(), s.lockedRound)
	}
	s.lastVotedRound = b.Round
	return nil
}
