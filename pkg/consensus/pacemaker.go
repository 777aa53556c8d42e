package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/uhyunpark/hyperbft/pkg/util"
)

type PacemakerTimers struct {
	RoundTimeout time.Duration
}

// Pacemaker tracks the round this replica is in. Rounds advance when a
// certificate for the current round or later is observed, or when the round
// timer fires.
type Pacemaker struct {
	Timers PacemakerTimers
	Clock  util.Clock

	mu    sync.Mutex
	round Round

	advanceCh chan Round
}

func NewPacemaker(timers PacemakerTimers, clock util.Clock, start Round) *Pacemaker {
	if start == 0 {
		start = 1
	}
	return &Pacemaker{
		Timers:    timers,
		Clock:     clock,
		round:     start,
		advanceCh: make(chan Round, 16),
	}
}

func (p *Pacemaker) CurrentRound() Round {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round
}

// OnCertified moves to the round after certified if that is ahead of the
// current round.
func (p *Pacemaker) OnCertified(certified Round) bool {
	return p.advanceTo(certified + 1)
}

func (p *Pacemaker) advanceTo(r Round) bool {
	p.mu.Lock()
	if r <= p.round {
		p.mu.Unlock()
		return false
	}
	p.round = r
	p.mu.Unlock()

	select {
	case p.advanceCh <- r:
	default:
		// waiter re-checks the round on its next wake-up
	}
	return true
}

// WaitForAdvance blocks until the pacemaker has moved past r. If the round
// timer fires first the pacemaker moves to r+1 itself and timedOut is true.
func (p *Pacemaker) WaitForAdvance(ctx context.Context, r Round) (timedOut bool, err error) {
	if p.CurrentRound() > r {
		return false, nil
	}
	deadline := p.Clock.After(p.Timers.RoundTimeout)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			p.advanceTo(r + 1)
			return true, nil
		case <-p.advanceCh:
			if p.CurrentRound() > r {
				return false, nil
			}
		}
	}
}

type Handlers struct {
	OnProposal   func(ctx context.Context, p Proposal)
	OnQuorumCert func(ctx context.Context, qc QuorumCert)
}

type Network interface {
	// outbound
	BroadcastProposal(ctx context.Context, p Proposal) error
	BroadcastQuorumCert(ctx context.Context, qc QuorumCert) error
	SendVote(ctx context.Context, to Author, v Vote) error

	// leader-side collection
	CollectVotes(ctx context.Context, block BlockInfo, need int) ([]Vote, error)

	// inbound handler registration
	SetHandlers(h Handlers)
}
