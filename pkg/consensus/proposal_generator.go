package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbft/pkg/util"
)

type GeneratorConfig struct {
	Author Author
	// Limits passed to the payload provider. Zero means unlimited.
	MaxBlockTxns  uint64
	MaxBlockBytes uint64
	// MaxPayloadWait bounds the time spent waiting for the readiness signal
	// and the payload provider together.
	MaxPayloadWait time.Duration
	// LastProposedRound seeds the duplicate-round gate, normally from a
	// ProposalStore after a restart.
	LastProposedRound Round
}

// ProposalGenerator builds the block body this replica proposes for a round.
//
// A ProposalGenerator has a single owner: GenerateProposal must not be called
// concurrently. Proposer provides that ownership for callers that need it.
type ProposalGenerator struct {
	cfg     GeneratorConfig
	tree    BlockReader
	payload PayloadProvider
	clock   util.Clock

	lastRoundGenerated Round

	// Optional collaborators, set after construction.
	Store  ProposalStore
	WAL    WAL
	Logger *zap.SugaredLogger
}

func NewProposalGenerator(cfg GeneratorConfig, tree BlockReader, payload PayloadProvider, clock util.Clock) *ProposalGenerator {
	return &ProposalGenerator{
		cfg:                cfg,
		tree:               tree,
		payload:            payload,
		clock:              clock,
		lastRoundGenerated: cfg.LastProposedRound,
	}
}

func (g *ProposalGenerator) Author() Author { return g.cfg.Author }

// LastRoundGenerated is the last round a proposal was successfully built for.
func (g *ProposalGenerator) LastRoundGenerated() Round { return g.lastRoundGenerated }

// GenerateProposal builds the block body for round, extending the highest
// certified block.
//
// ready, if non-nil, is awaited before payload is pulled (for example until
// the previous commit has flushed). The wait shares the MaxPayloadWait budget
// with the payload provider; when the budget runs out the proposal goes ahead
// with whatever payload is available, possibly none.
//
// Returns:
//   - OldRoundError if round does not exceed the highest certified round.
//   - DuplicateRoundError if a proposal was already built for round or later.
//   - the context's cause (e.g. ErrProposalSuperseded) if ctx ends first.
func (g *ProposalGenerator) GenerateProposal(ctx context.Context, round Round, ready <-chan struct{}) (*BlockData, error) {
	log := util.OrNop(g.Logger)

	parent, hqc := g.tree.HighestCertified()
	if round <= hqc.Round() {
		return nil, OldRoundError{Round: round, CertifiedRound: hqc.Round()}
	}
	if round <= g.lastRoundGenerated {
		return nil, DuplicateRoundError{Round: round, LastProposedRound: g.lastRoundGenerated}
	}

	payload, err := g.pullPayload(ctx, round, parent, ready)
	if err != nil {
		return nil, err
	}

	data := &BlockData{
		Epoch:      parent.Epoch,
		Round:      round,
		Timestamp:  g.nextTimestamp(parent),
		QuorumCert: hqc,
		Type:       BlockTypeProposal,
		Author:     g.cfg.Author,
		Payload:    payload,
	}

	if g.Store != nil {
		if err := g.Store.PutProposedRound(round); err != nil {
			return nil, fmt.Errorf("persist proposed round %d: %w", round, err)
		}
	}
	g.lastRoundGenerated = round

	if g.WAL != nil {
		g.WAL.Append(fmt.Sprintf("proposal round=%d parent=%s parent_round=%d ts=%d txs=%d",
			round, parent.ID, parent.Round, data.Timestamp, len(payload)))
	}
	log.Infow("proposal_generated",
		"round", round,
		"parent", parent.ID.Short(),
		"parent_round", parent.Round,
		"txs", len(payload),
		"bytes", payload.Size())
	return data, nil
}

// pullPayload waits for ready and then asks the provider for transactions,
// within one MaxPayloadWait budget.
func (g *ProposalGenerator) pullPayload(ctx context.Context, round Round, parent *Block, ready <-chan struct{}) (Payload, error) {
	log := util.OrNop(g.Logger)
	deadline := g.clock.Now().Add(g.cfg.MaxPayloadWait)

	if ready != nil {
		select {
		case <-ready:
		default:
			select {
			case <-ready:
			case <-g.clock.After(g.cfg.MaxPayloadWait):
				log.Warnw("payload_ready_timeout", "round", round)
				return nil, nil
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		}
	}

	var exclude []Payload
	if path, ok := g.tree.PathFromRoot(parent.ID); ok {
		for _, b := range path {
			if len(b.Payload) > 0 {
				exclude = append(exclude, b.Payload)
			}
		}
	}

	payload, err := g.payload.PullPayload(ctx, PayloadRequest{
		MaxTxns:  g.cfg.MaxBlockTxns,
		MaxBytes: g.cfg.MaxBlockBytes,
		Deadline: deadline,
		Exclude:  exclude,
	})
	switch {
	case ctx.Err() != nil:
		return nil, context.Cause(ctx)
	case errors.Is(err, context.DeadlineExceeded):
		log.Warnw("payload_timeout", "round", round)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("pull payload for round %d: %w", round, err)
	}
	return payload.Truncate(g.cfg.MaxBlockTxns, g.cfg.MaxBlockBytes), nil
}

// nextTimestamp is the current time in microseconds, nudged to one past the
// parent's timestamp if the clock has not moved beyond it.
func (g *ProposalGenerator) nextTimestamp(parent *Block) uint64 {
	now := uint64(g.clock.Now().UnixMicro())
	if now <= parent.Timestamp {
		return parent.Timestamp + 1
	}
	return now
}

// GenerateNilBlock builds the authorless block every replica derives for
// round after a timeout. Only the old-round gate applies, and the timestamp
// is the parent's plus one so all replicas agree on the id. Engine does not
// call it: its round timeout only advances the pacemaker.
func (g *ProposalGenerator) GenerateNilBlock(round Round) (*Block, error) {
	parent, hqc := g.tree.HighestCertified()
	if round <= hqc.Round() {
		return nil, OldRoundError{Round: round, CertifiedRound: hqc.Round()}
	}
	return NewUnsignedBlock(BlockData{
		Epoch:      parent.Epoch,
		Round:      round,
		Timestamp:  parent.Timestamp + 1,
		QuorumCert: hqc,
		Type:       BlockTypeNil,
	}), nil
}
