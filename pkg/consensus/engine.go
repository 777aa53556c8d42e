package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbft/pkg/crypto"
	"github.com/uhyunpark/hyperbft/pkg/util"
)

type EngineConfig struct {
	Self    Author
	Elector LeaderElector
	// Quorum is the number of votes that certify a block.
	Quorum int
	// VoteTimeout bounds vote collection by the leader.
	VoteTimeout time.Duration
}

// Keys are the validator's signing keys: the secp256k1 author key for
// proposals and the BLS key for votes, plus the verifier for everyone's votes.
type Keys struct {
	Author   *crypto.Signer
	Vote     *crypto.BLSSigner
	Verifier *crypto.QuorumVerifier
}

// Engine drives rounds: the leader proposes through its Proposer, collects
// votes into a certificate and shares it; every replica inserts proposals,
// votes under SafetyRules and commits on a two-chain of consecutive rounds.
type Engine struct {
	cfg      EngineConfig
	tree     *BlockTree
	proposer *Proposer
	keys     Keys
	safety   *SafetyRules
	pm       *Pacemaker
	net      Network

	commitMu sync.Mutex

	// Ready, if set, yields the readiness signal for each proposal.
	Ready func(round Round) <-chan struct{}
	// OnCommit runs after the ordered root moves. committed holds every
	// newly ordered block, oldest first; the last one is the new root. It
	// returns before the pacemaker leaves the certifying round.
	OnCommit func(committed []*Block, pruned []Hash)

	Logger         *zap.SugaredLogger
	VerboseLogging bool
	WAL            WAL
}

func NewEngine(cfg EngineConfig, tree *BlockTree, proposer *Proposer, keys Keys, pm *Pacemaker, net Network) *Engine {
	e := &Engine{
		cfg: cfg, tree: tree, proposer: proposer, keys: keys,
		safety: NewSafetyRules(), pm: pm, net: net,
	}
	net.SetHandlers(Handlers{
		OnProposal: e.onProposal,
		OnQuorumCert: func(ctx context.Context, qc QuorumCert) {
			if err := e.onQuorumCert(ctx, qc); err != nil {
				util.OrNop(e.Logger).Warnw("qc_rejected", "block", qc.CertifiedBlock.ID.Short(), "round", qc.Round(), "err", err)
			}
		},
	})
	return e
}

func (e *Engine) Safety() *SafetyRules { return e.safety }

// Run executes rounds until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	log := util.OrNop(e.Logger)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := e.pm.CurrentRound()
		leader := e.cfg.Elector.LeaderOf(r)
		if e.VerboseLogging {
			log.Infow("enter_round", "round", r, "leader", leader.Hex(), "is_leader", leader == e.cfg.Self)
		}
		if leader == e.cfg.Self {
			if err := e.leaderRound(ctx, r); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warnw("leader_round_failed", "round", r, "err", err)
			}
		}
		timedOut, err := e.pm.WaitForAdvance(ctx, r)
		if err != nil {
			return err
		}
		if timedOut {
			log.Warnw("round_timeout", "round", r)
		}
	}
}

// RunN runs n rounds led by this replica. Used by tests and single-validator
// setups where every round is local.
func (e *Engine) RunN(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		r := e.pm.CurrentRound()
		if err := e.leaderRound(ctx, r); err != nil {
			return fmt.Errorf("round %d: %w", r, err)
		}
		if _, err := e.pm.WaitForAdvance(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) leaderRound(ctx context.Context, r Round) error {
	log := util.OrNop(e.Logger)

	var ready <-chan struct{}
	if e.Ready != nil {
		ready = e.Ready(r)
	}
	data, err := e.proposer.Propose(ctx, r, ready)
	if err != nil {
		return fmt.Errorf("propose: %w", err)
	}
	block, err := NewProposalFromBlockData(*data, e.keys.Author)
	if err != nil {
		return err
	}
	if _, err := e.tree.InsertBlock(block); err != nil {
		return fmt.Errorf("insert own proposal: %w", err)
	}
	if err := e.net.BroadcastProposal(ctx, Proposal{Block: block}); err != nil {
		return fmt.Errorf("broadcast proposal: %w", err)
	}
	if e.VerboseLogging {
		log.Infow("proposal_broadcast", "round", r, "block", block.ID.Short(), "txs", len(block.Payload))
	}
	if e.WAL != nil {
		e.WAL.Append(fmt.Sprintf("propose round=%d block=%s", r, block.ID))
	}

	// the leader votes like everyone else; a second delivery of its own
	// proposal is refused by SafetyRules
	e.vote(ctx, block)

	cctx, cancel := context.WithTimeout(ctx, e.cfg.VoteTimeout)
	defer cancel()
	votes, err := e.net.CollectVotes(cctx, block.Info(), e.cfg.Quorum)
	if err != nil {
		return fmt.Errorf("collect votes: %w", err)
	}
	qc, err := e.aggregate(block, votes)
	if err != nil {
		return err
	}
	if err := e.keys.Verifier.Verify(qc.Signers, qc.SigningMessage(), qc.AggSig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuorumCert, err)
	}
	if err := e.acceptQuorumCert(qc); err != nil {
		return err
	}
	if err := e.net.BroadcastQuorumCert(ctx, qc); err != nil {
		return fmt.Errorf("broadcast qc: %w", err)
	}
	return nil
}

func (e *Engine) aggregate(block *Block, votes []Vote) (QuorumCert, error) {
	signers := make([]Author, 0, len(votes))
	shares := make([][]byte, 0, len(votes))
	for _, v := range votes {
		signers = append(signers, v.Author)
		shares = append(shares, v.SigShare)
	}
	agg, err := crypto.Aggregate(shares)
	if err != nil {
		return QuorumCert{}, fmt.Errorf("aggregate votes for %s: %w", block.ID.Short(), err)
	}
	return NewQuorumCert(block.Info(), signers, agg), nil
}

func (e *Engine) vote(ctx context.Context, b *Block) {
	log := util.OrNop(e.Logger)
	if err := e.safety.CheckVote(b); err != nil {
		if e.VerboseLogging {
			log.Debugw("vote_skip", "round", b.Round, "block", b.ID.Short(), "err", err)
		}
		return
	}
	v := Vote{
		Block:    b.Info(),
		Author:   e.cfg.Self,
		SigShare: e.keys.Vote.Sign(VoteMessage(b.Info())),
	}
	to := e.cfg.Elector.LeaderOf(b.Round)
	if err := e.net.SendVote(ctx, to, v); err != nil {
		log.Warnw("vote_send_failed", "round", b.Round, "to", to.Hex(), "err", err)
		return
	}
	if e.VerboseLogging {
		log.Debugw("vote_sent", "round", b.Round, "block", b.ID.Short(), "to", to.Hex())
	}
}

func (e *Engine) onProposal(ctx context.Context, p Proposal) {
	log := util.OrNop(e.Logger)
	b := p.Block
	if b == nil {
		return
	}
	if want := e.cfg.Elector.LeaderOf(b.Round); b.Author != want {
		log.Warnw("proposal_wrong_leader", "round", b.Round, "author", b.Author.Hex(), "leader", want.Hex())
		return
	}
	if err := b.VerifySignature(); err != nil {
		log.Warnw("proposal_bad_signature", "round", b.Round, "err", err)
		return
	}
	if !e.tree.BlockExists(b.ParentID()) {
		log.Infow("proposal_missing_parent", "round", b.Round, "parent", b.ParentID().Short())
		return
	}
	if err := e.onQuorumCert(ctx, b.QuorumCert); err != nil {
		log.Warnw("proposal_bad_qc", "round", b.Round, "err", err)
		return
	}
	if _, err := e.tree.InsertBlock(b); err != nil {
		log.Warnw("proposal_rejected", "round", b.Round, "err", err)
		return
	}
	e.vote(ctx, b)
}

// onQuorumCert verifies and records a certificate from another replica.
func (e *Engine) onQuorumCert(_ context.Context, qc QuorumCert) error {
	if _, ok := e.tree.QuorumCertFor(qc.CertifiedBlock.ID); ok {
		return nil
	}
	if err := e.keys.Verifier.Verify(qc.Signers, qc.SigningMessage(), qc.AggSig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuorumCert, err)
	}
	return e.acceptQuorumCert(qc)
}

func (e *Engine) acceptQuorumCert(qc QuorumCert) error {
	if err := e.tree.InsertQuorumCert(qc); err != nil {
		return err
	}
	var err error
	if b, ok := e.tree.GetBlock(qc.CertifiedBlock.ID); ok {
		e.safety.UpdateLock(b)
		err = e.maybeCommit(b)
	}
	// OnCommit has returned before the next round can start, so the payload
	// provider never offers transactions the new root already holds
	e.pm.OnCertified(qc.Round())
	return err
}

// maybeCommit commits b's parent once b, certified, directly follows it.
func (e *Engine) maybeCommit(b *Block) error {
	log := util.OrNop(e.Logger)
	root := e.tree.OrderedRoot()
	parentID := b.ParentID()
	if parentID == root.ID || b.Type == BlockTypeGenesis {
		return nil
	}
	parent, ok := e.tree.GetBlock(parentID)
	if !ok || b.Round != parent.Round+1 {
		return nil
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	committed, ok := e.tree.PathFromRoot(parent.ID)
	if !ok || len(committed) == 0 {
		// already committed, or pruned by a competing commit
		return nil
	}
	pruned, err := e.tree.CommitRoot(parent.ID)
	if err != nil {
		if errors.Is(err, ErrUnknownBlock) {
			return nil
		}
		return fmt.Errorf("commit %s: %w", parent.ID.Short(), err)
	}
	log.Infow("commit", "round", parent.Round, "block", parent.ID.Short(), "txs", len(parent.Payload), "blocks", len(committed))
	if e.OnCommit != nil {
		e.OnCommit(committed, pruned)
	}
	return nil
}
