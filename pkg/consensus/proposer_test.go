package consensus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
	"github.com/uhyunpark/hyperbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/hyperbft/pkg/util"
)

func startProposer(t *testing.T, gen *consensus.ProposalGenerator) *consensus.Proposer {
	t.Helper()
	p := consensus.NewProposer(gen)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
	return p
}

func TestProposerProposes(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	p := startProposer(t, newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock()))

	data, err := p.Propose(context.Background(), 1, nil)
	require.NoError(t, err)
	require.Equal(t, consensus.Round(1), data.Round)

	_, err = p.Propose(context.Background(), 1, nil)
	require.True(t, consensus.IsDuplicateRoundError(err), "got %v", err)
}

func TestProposerSupersededByHigherRound(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	mock := consensustest.NewMockPayloadProvider(nil)
	gen := newGenerator(ti, mock, util.NewSimulatedClock())
	p := startProposer(t, gen)

	// round 1 parks on a readiness signal that never comes
	stuck := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := p.Propose(context.Background(), 1, stuck)
		first <- err
	}()
	require.Never(t, func() bool { return len(first) > 0 }, 20*time.Millisecond, time.Millisecond)

	data, err := p.Propose(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Equal(t, consensus.Round(2), data.Round)

	select {
	case err := <-first:
		require.ErrorIs(t, err, consensus.ErrProposalSuperseded)
	case <-time.After(time.Second):
		t.Fatal("round 1 was not cancelled")
	}
	require.Equal(t, consensus.Round(2), gen.LastRoundGenerated())
}

func TestProposerCallerCancellation(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil).Blocking(), util.NewSimulatedClock())
	p := startProposer(t, gen)

	stop := errors.New("leader stepped down")
	ctx, cancel := context.WithCancelCause(context.Background())
	res := make(chan error, 1)
	go func() {
		_, err := p.Propose(ctx, 1, nil)
		res <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel(stop)

	select {
	case err := <-res:
		require.ErrorIs(t, err, stop)
	case <-time.After(time.Second):
		t.Fatal("proposal not cancelled")
	}
	require.Equal(t, consensus.Round(0), gen.LastRoundGenerated())
}

func TestProposerSameRoundWaits(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())
	p := startProposer(t, gen)

	ready := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := p.Propose(context.Background(), 3, ready)
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := p.Propose(context.Background(), 3, nil)
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(ready)

	require.NoError(t, <-first)
	err := <-second
	require.True(t, consensus.IsDuplicateRoundError(err), "an equal round does not cancel the one in flight, got %v", err)
}
