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

const maxPayloadWait = 50 * time.Millisecond

func newGenerator(ti *consensustest.TreeInserter, payload consensus.PayloadProvider, clock util.Clock) *consensus.ProposalGenerator {
	return consensus.NewProposalGenerator(consensus.GeneratorConfig{
		Author:         ti.Signer.Address(),
		MaxBlockTxns:   10,
		MaxBlockBytes:  1024,
		MaxPayloadWait: maxPayloadWait,
	}, ti.Tree, payload, clock)
}

func TestProposalGeneratorEmptyTree(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())
	genesis := ti.Genesis()

	data, err := gen.GenerateProposal(context.Background(), 1, nil)
	require.NoError(t, err)
	require.Equal(t, consensus.Round(1), data.Round)
	require.Equal(t, genesis.ID, data.ParentID())
	require.Equal(t, genesis.Info(), data.QuorumCert.CertifiedBlock)
	require.Equal(t, consensus.BlockTypeProposal, data.Type)
	require.Equal(t, ti.Signer.Address(), data.Author)
	require.Empty(t, data.Payload)
	require.Equal(t, consensus.Round(1), gen.LastRoundGenerated())

	_, err = gen.GenerateProposal(context.Background(), 1, nil)
	require.True(t, consensus.IsDuplicateRoundError(err), "got %v", err)
}

func TestProposalGeneratorForkThenCertify(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())
	genesis := ti.Genesis()

	a1 := ti.InsertBlockWithQC(genesis, 1)
	b1 := ti.InsertBlockWithQC(genesis, 2)

	// neither sibling is certified yet
	data, err := gen.GenerateProposal(context.Background(), 10, nil)
	require.NoError(t, err)
	require.Equal(t, genesis.ID, data.ParentID())
	require.Equal(t, consensus.Round(10), data.Round)

	ti.InsertQCForBlock(a1)
	data, err = gen.GenerateProposal(context.Background(), 11, nil)
	require.NoError(t, err)
	require.Equal(t, a1.ID, data.ParentID())
	require.Equal(t, consensus.Round(11), data.Round)
	require.Equal(t, a1.Info(), data.QuorumCert.CertifiedBlock)

	ti.InsertQCForBlock(b1)
	data, err = gen.GenerateProposal(context.Background(), 12, nil)
	require.NoError(t, err)
	require.Equal(t, b1.ID, data.ParentID())
	require.Equal(t, consensus.Round(12), data.Round)
	require.Equal(t, b1.ID, ti.Tree.HighestCertifiedBlock().ID)
}

func TestProposalGeneratorOldRound(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())

	a1 := ti.InsertBlockWithQC(ti.Genesis(), 1)
	ti.InsertQCForBlock(a1)

	_, err := gen.GenerateProposal(context.Background(), 1, nil)
	require.True(t, consensus.IsOldRoundError(err), "got %v", err)
	var old consensus.OldRoundError
	require.True(t, errors.As(err, &old))
	require.Equal(t, consensus.Round(1), old.CertifiedRound)

	// a failed attempt does not count as proposing
	require.Equal(t, consensus.Round(0), gen.LastRoundGenerated())

	// retrying the stale round keeps failing
	_, err = gen.GenerateProposal(context.Background(), 1, nil)
	require.True(t, consensus.IsOldRoundError(err), "got %v", err)

	data, err := gen.GenerateProposal(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Equal(t, a1.ID, data.ParentID())
}

func TestProposalGeneratorOldRoundAfterLaterProposal(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())

	_, err := gen.GenerateProposal(context.Background(), 3, nil)
	require.NoError(t, err)

	a2 := ti.InsertBlockWithQC(ti.Genesis(), 2)
	ti.InsertQCForBlock(a2)

	_, err = gen.GenerateProposal(context.Background(), 2, nil)
	require.True(t, consensus.IsOldRoundError(err), "old round is checked before duplicates, got %v", err)
	_, err = gen.GenerateProposal(context.Background(), 3, nil)
	require.True(t, consensus.IsDuplicateRoundError(err), "got %v", err)
}

func TestProposalGeneratorLastProposedRoundSeed(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := consensus.NewProposalGenerator(consensus.GeneratorConfig{
		Author:            ti.Signer.Address(),
		MaxPayloadWait:    maxPayloadWait,
		LastProposedRound: 5,
	}, ti.Tree, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())

	_, err := gen.GenerateProposal(context.Background(), 5, nil)
	require.True(t, consensus.IsDuplicateRoundError(err), "got %v", err)
	_, err = gen.GenerateProposal(context.Background(), 6, nil)
	require.NoError(t, err)
}

func TestProposalGeneratorTimestamp(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	clock := util.NewSimulatedClock()
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil), clock)

	// the clock is far ahead of genesis
	data, err := gen.GenerateProposal(context.Background(), 1, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(clock.Now().UnixMicro()), data.Timestamp)

	// a parent stamped in the future forces parent+1
	future := uint64(clock.Now().Add(time.Hour).UnixMicro())
	parent := consensus.NewUnsignedBlock(consensus.BlockData{
		Epoch:      1,
		Round:      2,
		Timestamp:  future,
		QuorumCert: consensus.GenesisQuorumCert(ti.Genesis()),
		Type:       consensus.BlockTypeProposal,
		Author:     ti.Signer.Address(),
	})
	_, err = ti.Tree.InsertBlock(parent)
	require.NoError(t, err)
	ti.InsertQCForBlock(parent)

	data, err = gen.GenerateProposal(context.Background(), 3, nil)
	require.NoError(t, err)
	require.Equal(t, future+1, data.Timestamp)
}

func TestProposalGeneratorPayloadLimitsAndExclusion(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	payload := consensus.Payload{[]byte("a"), []byte("b"), []byte("c")}
	mock := consensustest.NewMockPayloadProvider(payload)
	clock := util.NewSimulatedClock()
	gen := consensus.NewProposalGenerator(consensus.GeneratorConfig{
		Author:         ti.Signer.Address(),
		MaxBlockTxns:   2,
		MaxPayloadWait: maxPayloadWait,
	}, ti.Tree, mock, clock)

	parentPayload := consensus.Payload{[]byte("x")}
	parent := ti.SignedBlock(ti.Genesis(), 1, parentPayload)
	_, err := ti.Tree.InsertBlock(parent)
	require.NoError(t, err)
	ti.InsertQCForBlock(parent)

	data, err := gen.GenerateProposal(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Equal(t, payload[:2], data.Payload)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, uint64(2), reqs[0].MaxTxns)
	require.Equal(t, clock.Now().Add(maxPayloadWait), reqs[0].Deadline)
	require.Equal(t, []consensus.Payload{parentPayload}, reqs[0].Exclude)
}

func TestProposalGeneratorPayloadErrors(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)

	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil).FailWith(context.DeadlineExceeded), util.NewSimulatedClock())
	data, err := gen.GenerateProposal(context.Background(), 1, nil)
	require.NoError(t, err, "running out of time degrades to an empty payload")
	require.Empty(t, data.Payload)

	boom := errors.New("pool closed")
	gen = newGenerator(ti, consensustest.NewMockPayloadProvider(nil).FailWith(boom), util.NewSimulatedClock())
	_, err = gen.GenerateProposal(context.Background(), 1, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, consensus.Round(0), gen.LastRoundGenerated())
}

func TestProposalGeneratorWaitsForReady(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	mock := consensustest.NewMockPayloadProvider(consensus.Payload{[]byte("tx")})
	gen := newGenerator(ti, mock, util.NewSimulatedClock())

	ready := make(chan struct{})
	done := make(chan *consensus.BlockData, 1)
	go func() {
		data, err := gen.GenerateProposal(context.Background(), 1, ready)
		if err != nil {
			t.Errorf("generate: %v", err)
		}
		done <- data
	}()

	select {
	case <-done:
		t.Fatal("proposal built before ready")
	case <-time.After(20 * time.Millisecond):
	}
	require.Empty(t, mock.Requests())

	close(ready)
	select {
	case data := <-done:
		require.NotNil(t, data)
		require.Len(t, data.Payload, 1)
	case <-time.After(time.Second):
		t.Fatal("proposal not built after ready")
	}
}

func TestProposalGeneratorReadyTimeout(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	mock := consensustest.NewMockPayloadProvider(consensus.Payload{[]byte("tx")})
	clock := util.NewSimulatedClock()
	gen := newGenerator(ti, mock, clock)

	done := make(chan *consensus.BlockData, 1)
	go func() {
		data, err := gen.GenerateProposal(context.Background(), 1, make(chan struct{}))
		if err != nil {
			t.Errorf("generate: %v", err)
		}
		done <- data
	}()

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	clock.Advance(maxPayloadWait)

	select {
	case data := <-done:
		require.NotNil(t, data)
		require.Empty(t, data.Payload, "a late ready signal yields an empty block")
		require.Equal(t, consensus.Round(1), data.Round)
	case <-time.After(time.Second):
		t.Fatal("proposal not built after the wait budget")
	}
	require.Empty(t, mock.Requests())
}

func TestProposalGeneratorCancelled(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil).Blocking(), util.NewSimulatedClock())

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(consensus.ErrProposalSuperseded)
	_, err := gen.GenerateProposal(ctx, 1, nil)
	require.ErrorIs(t, err, consensus.ErrProposalSuperseded)
	require.Equal(t, consensus.Round(0), gen.LastRoundGenerated())

	// the round was not consumed
	gen = newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())
	_, err = gen.GenerateProposal(context.Background(), 1, nil)
	require.NoError(t, err)
}

type memProposalStore struct{ round consensus.Round }

func (s *memProposalStore) PutProposedRound(r consensus.Round) error { s.round = r; return nil }
func (s *memProposalStore) GetProposedRound() (consensus.Round, error) { return s.round, nil }

func TestProposalGeneratorPersistsRound(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())
	store := &memProposalStore{}
	gen.Store = store

	_, err := gen.GenerateProposal(context.Background(), 4, nil)
	require.NoError(t, err)
	require.Equal(t, consensus.Round(4), store.round)
}

func TestGenerateNilBlock(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	gen := newGenerator(ti, consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())
	genesis := ti.Genesis()

	nb, err := gen.GenerateNilBlock(1)
	require.NoError(t, err)
	require.Equal(t, consensus.BlockTypeNil, nb.Type)
	require.Equal(t, genesis.ID, nb.ParentID())
	require.Equal(t, genesis.Timestamp+1, nb.Timestamp)
	require.Equal(t, consensus.Author{}, nb.Author)
	require.NoError(t, nb.VerifyWellFormed())

	// every replica derives the same nil block
	other := newGenerator(consensustest.NewTreeInserter(t), consensustest.NewMockPayloadProvider(nil), util.NewSimulatedClock())
	nb2, err := other.GenerateNilBlock(1)
	require.NoError(t, err)
	require.Equal(t, nb.ID, nb2.ID)

	// nil blocks do not consume the proposal round
	_, err = gen.GenerateProposal(context.Background(), 1, nil)
	require.NoError(t, err)

	a1 := ti.InsertBlockWithQC(genesis, 1)
	ti.InsertQCForBlock(a1)
	_, err = gen.GenerateNilBlock(1)
	require.True(t, consensus.IsOldRoundError(err), "got %v", err)

	// a timeout protocol hands the nil block to the tree like any other
	got, err := ti.Tree.InsertBlock(nb)
	require.NoError(t, err)
	require.Same(t, nb, got)
	require.NoError(t, ti.Tree.InsertQCForBlock(nb, &consensus.TimeoutCertificate{Epoch: 1, Round: 1}))
	require.Equal(t, consensus.Round(1), ti.Tree.HighestTimeoutCert().Round)
	require.Equal(t, 3, ti.Tree.Len())
}
