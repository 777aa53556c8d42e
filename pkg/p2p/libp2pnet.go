package p2p

import (
	"context"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
	"github.com/uhyunpark/hyperbft/pkg/util"
)

const (
	topicProposal   = "hyperbft-proposal"
	topicQuorumCert = "hyperbft-qc"
	topicVote       = "hyperbft-vote"
)

// Libp2pNet gossips proposals, certificates and votes over GossipSub. Votes
// travel on their own topic and are kept only by the node they address.
type Libp2pNet struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self consensus.Author

	tProposal, tQC, tVote       *pubsub.Topic
	subProposal, subQC, subVote *pubsub.Subscription

	votes *voteBox

	muH      sync.RWMutex
	handlers consensus.Handlers
}

var _ consensus.Network = (*Libp2pNet)(nil)

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Self       consensus.Author
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	log := util.OrNop(cfg.Logger)
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	net := &Libp2pNet{
		h: h, ps: ps, log: log,
		self:  cfg.Self,
		votes: newVoteBox(),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(); err != nil {
		return nil, err
	}

	go net.readLoop(ctx, net.subProposal, net.onProposal)
	go net.readLoop(ctx, net.subQC, net.onQuorumCert)
	go net.readLoop(ctx, net.subVote, net.onVote)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tProposal, err = n.ps.Join(topicProposal); err != nil {
		return err
	}
	if n.tQC, err = n.ps.Join(topicQuorumCert); err != nil {
		return err
	}
	if n.tVote, err = n.ps.Join(topicVote); err != nil {
		return err
	}

	if n.subProposal, err = n.tProposal.Subscribe(); err != nil {
		return err
	}
	if n.subQC, err = n.tQC.Subscribe(); err != nil {
		return err
	}
	if n.subVote, err = n.tVote.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Close leaves the topics and shuts the host down.
func (n *Libp2pNet) Close() error {
	n.subProposal.Cancel()
	n.subQC.Cancel()
	n.subVote.Cancel()
	return n.h.Close()
}

// implement consensus.Network

func (n *Libp2pNet) SetHandlers(h consensus.Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *Libp2pNet) getHandlers() consensus.Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

func (n *Libp2pNet) BroadcastProposal(ctx context.Context, p consensus.Proposal) error {
	data, err := encodeProposal(p)
	if err != nil {
		return err
	}
	return n.tProposal.Publish(ctx, data)
}

func (n *Libp2pNet) BroadcastQuorumCert(ctx context.Context, qc consensus.QuorumCert) error {
	data, err := encodeQuorumCert(qc)
	if err != nil {
		return err
	}
	n.votes.prune(qc.Round())
	return n.tQC.Publish(ctx, data)
}

func (n *Libp2pNet) SendVote(ctx context.Context, to consensus.Author, v consensus.Vote) error {
	if to == n.self {
		n.votes.add(v)
		return nil
	}
	data, err := encodeVote(to, v)
	if err != nil {
		return err
	}
	return n.tVote.Publish(ctx, data)
}

func (n *Libp2pNet) CollectVotes(ctx context.Context, block consensus.BlockInfo, need int) ([]consensus.Vote, error) {
	return n.votes.collect(ctx, block, need)
}

// inbound

func (n *Libp2pNet) readLoop(ctx context.Context, sub *pubsub.Subscription, handle func(context.Context, *pubsub.Message)) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		// own messages were already handled locally
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		handle(ctx, msg)
	}
}

func (n *Libp2pNet) onProposal(ctx context.Context, msg *pubsub.Message) {
	p, err := decodeProposal(msg.Data)
	if err != nil {
		n.log.Debugw("proposal_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
		return
	}
	if h := n.getHandlers(); h.OnProposal != nil {
		h.OnProposal(ctx, p)
	}
}

func (n *Libp2pNet) onQuorumCert(ctx context.Context, msg *pubsub.Message) {
	qc, err := decodeQuorumCert(msg.Data)
	if err != nil {
		n.log.Debugw("qc_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
		return
	}
	if h := n.getHandlers(); h.OnQuorumCert != nil {
		h.OnQuorumCert(ctx, qc)
	}
}

func (n *Libp2pNet) onVote(_ context.Context, msg *pubsub.Message) {
	to, v, err := decodeVote(msg.Data)
	if err != nil {
		n.log.Debugw("vote_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
		return
	}
	if to != n.self {
		return
	}
	n.votes.add(v)
}
