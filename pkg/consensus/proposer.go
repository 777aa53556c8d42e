package consensus

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbft/pkg/util"
)

type proposalRequest struct {
	ctx    context.Context
	round  Round
	ready  <-chan struct{}
	result chan proposalResult
}

type proposalResult struct {
	data *BlockData
	err  error
}

type inflight struct {
	round  Round
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Proposer is the single owner of a ProposalGenerator. Requests are served one
// at a time by the goroutine running Run. A request for a higher round
// cancels the one in flight, which then fails with ErrProposalSuperseded; a
// request for an equal or lower round waits for it to finish.
type Proposer struct {
	gen  *ProposalGenerator
	reqs chan proposalRequest

	Logger *zap.SugaredLogger
}

func NewProposer(gen *ProposalGenerator) *Proposer {
	return &Proposer{gen: gen, reqs: make(chan proposalRequest)}
}

// Run serves proposal requests until ctx is done.
func (p *Proposer) Run(ctx context.Context) error {
	log := util.OrNop(p.Logger)
	var cur *inflight
	defer func() {
		if cur != nil {
			cur.cancel(nil)
			<-cur.done
		}
	}()

	for {
		var curDone <-chan struct{}
		if cur != nil {
			curDone = cur.done
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-curDone:
			cur = nil
		case req := <-p.reqs:
			if cur != nil {
				if req.round > cur.round {
					log.Infow("proposal_superseded", "round", cur.round, "by", req.round)
					cur.cancel(ErrProposalSuperseded)
				}
				<-cur.done
			}
			cur = p.start(ctx, req)
		}
	}
}

func (p *Proposer) start(ctx context.Context, req proposalRequest) *inflight {
	jobCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(req.ctx, func() { cancel(context.Cause(req.ctx)) })
	f := &inflight{round: req.round, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer stop()
		defer cancel(nil)
		data, err := p.gen.GenerateProposal(jobCtx, req.round, req.ready)
		req.result <- proposalResult{data: data, err: err}
	}()
	return f
}

// Propose asks the owner goroutine for the proposal for round and waits for
// the outcome. Errors are those of GenerateProposal.
func (p *Proposer) Propose(ctx context.Context, round Round, ready <-chan struct{}) (*BlockData, error) {
	req := proposalRequest{ctx: ctx, round: round, ready: ready, result: make(chan proposalResult, 1)}
	select {
	case p.reqs <- req:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	select {
	case r := <-req.result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
