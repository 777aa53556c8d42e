// Package consensustest holds test doubles for the consensus package: a
// scripted payload provider and helpers that build block trees by hand.
package consensustest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
	"github.com/uhyunpark/hyperbft/pkg/crypto"
)

// GenesisTimestamp is the genesis timestamp, in microseconds, of trees built
// by this package.
const GenesisTimestamp uint64 = 1_000

// MockPayloadProvider returns a fixed payload and records every request.
type MockPayloadProvider struct {
	mu       sync.Mutex
	payload  consensus.Payload
	err      error
	block    bool
	requests []consensus.PayloadRequest

	// Called, if set, once a request has been recorded.
	OnRequest func(req consensus.PayloadRequest)
}

func NewMockPayloadProvider(payload consensus.Payload) *MockPayloadProvider {
	return &MockPayloadProvider{payload: payload}
}

// Blocking makes PullPayload wait for its context to end instead of
// returning.
func (m *MockPayloadProvider) Blocking() *MockPayloadProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = true
	return m
}

func (m *MockPayloadProvider) FailWith(err error) *MockPayloadProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MockPayloadProvider) PullPayload(ctx context.Context, req consensus.PayloadRequest) (consensus.Payload, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	payload, err, block, hook := m.payload, m.err, m.block, m.OnRequest
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return append(consensus.Payload(nil), payload...), nil
}

func (m *MockPayloadProvider) Requests() []consensus.PayloadRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]consensus.PayloadRequest(nil), m.requests...)
}

// TreeInserter builds trees for tests. Blocks it inserts are authored by its
// signer.
type TreeInserter struct {
	t      testing.TB
	Signer *crypto.Signer
	Tree   *consensus.BlockTree
}

// NewTreeInserter returns an inserter over a tree holding only genesis.
func NewTreeInserter(t testing.TB) *TreeInserter {
	t.Helper()
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &TreeInserter{t: t, Signer: signer, Tree: BuildEmptyTree(t, signer.Address())}
}

// BuildEmptyTree returns a tree holding only a certified genesis block.
func BuildEmptyTree(t testing.TB, author consensus.Author) *consensus.BlockTree {
	t.Helper()
	genesis := consensus.GenesisBlock(1, GenesisTimestamp)
	tree, err := consensus.NewBlockTree(genesis, consensus.GenesisQuorumCert(genesis), consensus.BlockTreeConfig{Author: author})
	require.NoError(t, err)
	return tree
}

func (ti *TreeInserter) Genesis() *consensus.Block { return ti.Tree.OrderedRoot() }

// InsertBlockWithQC inserts an empty block at round extending parent. The
// parent must already be certified.
func (ti *TreeInserter) InsertBlockWithQC(parent *consensus.Block, round consensus.Round) *consensus.Block {
	ti.t.Helper()
	qc, ok := ti.Tree.QuorumCertFor(parent.ID)
	require.True(ti.t, ok, "parent %s is not certified", parent.ID.Short())
	b, err := ti.Tree.InsertBlockWithQC(qc, parent, round)
	require.NoError(ti.t, err)
	return b
}

// InsertQCForBlock certifies block without signatures.
func (ti *TreeInserter) InsertQCForBlock(block *consensus.Block) {
	ti.t.Helper()
	require.NoError(ti.t, ti.Tree.InsertQCForBlock(block, nil))
}

// SignedBlock builds and signs a proposal extending parent, which must be
// certified in the tree.
func (ti *TreeInserter) SignedBlock(parent *consensus.Block, round consensus.Round, payload consensus.Payload) *consensus.Block {
	ti.t.Helper()
	qc, ok := ti.Tree.QuorumCertFor(parent.ID)
	require.True(ti.t, ok)
	b, err := consensus.NewProposalFromBlockData(consensus.BlockData{
		Epoch:      parent.Epoch,
		Round:      round,
		Timestamp:  parent.Timestamp + 1,
		QuorumCert: qc,
		Type:       consensus.BlockTypeProposal,
		Author:     ti.Signer.Address(),
		Payload:    payload,
	}, ti.Signer)
	require.NoError(ti.t, err)
	return b
}
