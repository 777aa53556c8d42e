package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
)

// LocalHub connects in-process nodes. Messages are delivered synchronously
// on the sender's goroutine, which keeps single-process runs deterministic.
type LocalHub struct {
	mu    sync.RWMutex
	nodes map[consensus.Author]*LocalNet
	order []consensus.Author
}

func NewLocalHub() *LocalHub {
	return &LocalHub{nodes: make(map[consensus.Author]*LocalNet)}
}

// Join registers a node and returns its network endpoint.
func (h *LocalHub) Join(self consensus.Author) *LocalNet {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := &LocalNet{hub: h, self: self, votes: newVoteBox()}
	if _, ok := h.nodes[self]; !ok {
		h.order = append(h.order, self)
	}
	h.nodes[self] = n
	return n
}

func (h *LocalHub) peers(except consensus.Author) []*LocalNet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*LocalNet, 0, len(h.order))
	for _, a := range h.order {
		if a != except {
			out = append(out, h.nodes[a])
		}
	}
	return out
}

type LocalNet struct {
	hub   *LocalHub
	self  consensus.Author
	votes *voteBox

	muH      sync.RWMutex
	handlers consensus.Handlers
}

var _ consensus.Network = (*LocalNet)(nil)

func (n *LocalNet) SetHandlers(h consensus.Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *LocalNet) getHandlers() consensus.Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

func (n *LocalNet) BroadcastProposal(ctx context.Context, p consensus.Proposal) error {
	for _, peer := range n.hub.peers(n.self) {
		if h := peer.getHandlers(); h.OnProposal != nil {
			h.OnProposal(ctx, p)
		}
	}
	return nil
}

func (n *LocalNet) BroadcastQuorumCert(ctx context.Context, qc consensus.QuorumCert) error {
	for _, peer := range n.hub.peers(n.self) {
		if h := peer.getHandlers(); h.OnQuorumCert != nil {
			h.OnQuorumCert(ctx, qc)
		}
	}
	n.votes.prune(qc.Round())
	return nil
}

func (n *LocalNet) SendVote(_ context.Context, to consensus.Author, v consensus.Vote) error {
	n.hub.mu.RLock()
	dst, ok := n.hub.nodes[to]
	n.hub.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown node %s", to.Hex())
	}
	dst.votes.add(v)
	return nil
}

func (n *LocalNet) CollectVotes(ctx context.Context, block consensus.BlockInfo, need int) ([]consensus.Vote, error) {
	return n.votes.collect(ctx, block, need)
}
