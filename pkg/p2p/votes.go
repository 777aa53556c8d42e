package p2p

import (
	"context"
	"sync"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
)

// voteBox holds the votes addressed to this node, one per author per block.
type voteBox struct {
	mu    sync.Mutex
	votes map[consensus.Hash]map[consensus.Author]consensus.Vote
	// signalled on every new vote so collectors wake up without polling
	arrived chan struct{}
}

func newVoteBox() *voteBox {
	return &voteBox{
		votes:   make(map[consensus.Hash]map[consensus.Author]consensus.Vote),
		arrived: make(chan struct{}, 100),
	}
}

func (b *voteBox) add(v consensus.Vote) {
	b.mu.Lock()
	m := b.votes[v.Block.ID]
	if m == nil {
		m = make(map[consensus.Author]consensus.Vote)
		b.votes[v.Block.ID] = m
	}
	if _, dup := m[v.Author]; !dup {
		m[v.Author] = v
	}
	b.mu.Unlock()

	select {
	case b.arrived <- struct{}{}:
	default:
	}
}

func (b *voteBox) take(block consensus.BlockInfo, need int) ([]consensus.Vote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.votes[block.ID]
	if len(m) < need {
		return nil, false
	}
	out := make([]consensus.Vote, 0, len(m))
	for _, v := range m {
		if v.Block == block {
			out = append(out, v)
		}
	}
	if len(out) < need {
		return nil, false
	}
	delete(b.votes, block.ID)
	return out[:need], true
}

// collect waits until need votes for block have arrived or ctx ends.
func (b *voteBox) collect(ctx context.Context, block consensus.BlockInfo, need int) ([]consensus.Vote, error) {
	for {
		if out, ok := b.take(block, need); ok {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.arrived:
		}
	}
}

// prune drops votes for blocks at or below round.
func (b *voteBox) prune(round consensus.Round) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, m := range b.votes {
		for _, v := range m {
			if v.Block.Round <= round {
				delete(b.votes, id)
			}
			break
		}
	}
}
