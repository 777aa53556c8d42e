package consensus_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
	"github.com/uhyunpark/hyperbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/hyperbft/pkg/storage"
)

// sameRoundPair returns two distinct children of genesis at round, ordered
// by id.
func sameRoundPair(t *testing.T, ti *consensustest.TreeInserter, round consensus.Round) (lo, hi *consensus.Block) {
	t.Helper()
	genesis := ti.Genesis()
	mk := func(ts uint64) *consensus.Block {
		b := consensus.NewUnsignedBlock(consensus.BlockData{
			Epoch:      genesis.Epoch,
			Round:      round,
			Timestamp:  ts,
			QuorumCert: consensus.GenesisQuorumCert(genesis),
			Type:       consensus.BlockTypeProposal,
			Author:     ti.Signer.Address(),
		})
		_, err := ti.Tree.InsertBlock(b)
		require.NoError(t, err)
		return b
	}
	a, b := mk(genesis.Timestamp+1), mk(genesis.Timestamp+2)
	if b.ID.Less(a.ID) {
		a, b = b, a
	}
	return a, b
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestHighestCertifiedIsOrderIndependent(t *testing.T) {
	var want consensus.Hash
	for i, perm := range permutations(4) {
		ti := consensustest.NewTreeInserter(t)
		genesis := ti.Genesis()
		a1 := ti.InsertBlockWithQC(genesis, 1)
		ti.InsertQCForBlock(a1)
		a2 := ti.InsertBlockWithQC(a1, 2)
		lo, hi := sameRoundPair(t, ti, 3)
		blocks := []*consensus.Block{a2, lo, hi, a1}

		for _, idx := range perm {
			require.NoError(t, ti.Tree.InsertQCForBlock(blocks[idx], nil))
		}
		got := ti.Tree.HighestCertifiedBlock()
		require.Equal(t, lo.ID, got.ID, "permutation %v", perm)
		require.Equal(t, got.Info(), ti.Tree.HighestQuorumCert().CertifiedBlock)
		if i == 0 {
			want = got.ID
		}
		require.Equal(t, want, got.ID)
	}
}

func TestHighestCertifiedConcurrentInsertion(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	genesis := ti.Genesis()
	var blocks []*consensus.Block
	for r := consensus.Round(1); r <= 32; r++ {
		blocks = append(blocks, ti.InsertBlockWithQC(genesis, r))
	}

	var g errgroup.Group
	for _, b := range blocks {
		b := b
		g.Go(func() error { return ti.Tree.InsertQCForBlock(b, nil) })
		g.Go(func() error {
			blk, qc := ti.Tree.HighestCertified()
			if blk.ID != qc.CertifiedBlock.ID {
				t.Errorf("highest block %s paired with qc for %s", blk.ID.Short(), qc.CertifiedBlock.ID.Short())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, blocks[len(blocks)-1].ID, ti.Tree.HighestCertifiedBlock().ID)
}

func TestInsertQuorumCertIdempotent(t *testing.T) {
	var changes int
	signer := consensustest.NewTreeInserter(t).Signer
	genesis := consensus.GenesisBlock(1, consensustest.GenesisTimestamp)
	tree, err := consensus.NewBlockTree(genesis, consensus.GenesisQuorumCert(genesis), consensus.BlockTreeConfig{
		Author:             signer.Address(),
		OnHighestCertified: func(*consensus.Block, consensus.QuorumCert) { changes++ },
	})
	require.NoError(t, err)

	b, err := tree.InsertBlockWithQC(consensus.GenesisQuorumCert(genesis), genesis, 1)
	require.NoError(t, err)
	qc := consensus.NewQuorumCert(b.Info(), []consensus.Author{signer.Address()}, []byte{1})
	require.NoError(t, tree.InsertQuorumCert(qc))
	require.NoError(t, tree.InsertQuorumCert(qc))
	require.NoError(t, tree.InsertQCForBlock(b, nil))

	require.Equal(t, 1, changes)
	got, ok := tree.QuorumCertFor(b.ID)
	require.True(t, ok)
	require.Equal(t, qc, got, "the first certificate is kept")
}

func TestInsertQuorumCertErrors(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	b := ti.InsertBlockWithQC(ti.Genesis(), 1)

	unknown := b.Info()
	unknown.ID[0] ^= 0xff
	err := ti.Tree.InsertQuorumCert(consensus.NewQuorumCert(unknown, nil, nil))
	require.ErrorIs(t, err, consensus.ErrUnknownBlock)

	mismatch := b.Info()
	mismatch.Round = 7
	err = ti.Tree.InsertQuorumCert(consensus.NewQuorumCert(mismatch, nil, nil))
	require.ErrorIs(t, err, consensus.ErrInvalidQuorumCert)

	_, ok := ti.Tree.QuorumCertFor(b.ID)
	require.False(t, ok)
}

func TestInsertBlockWithQCErrors(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	genesis := ti.Genesis()
	genesisQC := consensus.GenesisQuorumCert(genesis)

	orphanParent := consensus.NewUnsignedBlock(consensus.BlockData{
		Epoch: 1, Round: 5, Timestamp: genesis.Timestamp + 5,
		QuorumCert: genesisQC, Type: consensus.BlockTypeProposal, Author: ti.Signer.Address(),
	})
	_, err := ti.Tree.InsertBlockWithQC(consensus.NewQuorumCert(orphanParent.Info(), nil, nil), orphanParent, 6)
	require.True(t, consensus.IsUnknownParentError(err), "got %v", err)

	a1 := ti.InsertBlockWithQC(genesis, 1)
	ti.InsertQCForBlock(a1)
	// an ancestor's certificate does not certify a1
	_, err = ti.Tree.InsertBlockWithQC(genesisQC, a1, 2)
	require.ErrorIs(t, err, consensus.ErrInvalidQuorumCert)
	require.Equal(t, 2, ti.Tree.Len())

	_, err = ti.Tree.InsertBlockWithQC(genesisQC, genesis, 0)
	require.ErrorIs(t, err, consensus.ErrInvalidBlock)

	// inserting the same block twice returns the stored one
	again, err := ti.Tree.InsertBlockWithQC(genesisQC, genesis, 1)
	require.NoError(t, err)
	require.Same(t, a1, again)
	require.Equal(t, 2, ti.Tree.Len())
}

func TestInsertBlockValidation(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	genesis := ti.Genesis()

	b := ti.SignedBlock(genesis, 1, consensus.Payload{[]byte("tx")})
	require.NoError(t, b.VerifySignature())

	tampered := *b
	tampered.Payload = consensus.Payload{[]byte("other")}
	_, err := ti.Tree.InsertBlock(&tampered)
	require.ErrorIs(t, err, consensus.ErrInvalidBlock)

	stale := consensus.NewUnsignedBlock(consensus.BlockData{
		Epoch: 1, Round: 1, Timestamp: genesis.Timestamp,
		QuorumCert: consensus.GenesisQuorumCert(genesis), Type: consensus.BlockTypeProposal, Author: ti.Signer.Address(),
	})
	_, err = ti.Tree.InsertBlock(stale)
	require.ErrorIs(t, err, consensus.ErrInvalidBlock, "timestamp must move forward")

	orphan := consensus.NewUnsignedBlock(consensus.BlockData{
		Epoch: 1, Round: 3, Timestamp: genesis.Timestamp + 3,
		QuorumCert: consensus.NewQuorumCert(consensus.BlockInfo{Epoch: 1, Round: 2, ID: consensus.Hash{9}}, nil, nil),
		Type:       consensus.BlockTypeProposal, Author: ti.Signer.Address(),
	})
	_, err = ti.Tree.InsertBlock(orphan)
	require.True(t, consensus.IsUnknownParentError(err), "got %v", err)

	_, err = ti.Tree.InsertBlock(b)
	require.NoError(t, err)
	got, ok := ti.Tree.GetBlock(b.ID)
	require.True(t, ok)
	require.Equal(t, b.Payload, got.Payload)
}

func TestInsertBlockRecordsEmbeddedQC(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	a1 := ti.InsertBlockWithQC(ti.Genesis(), 1)
	require.Equal(t, ti.Genesis().ID, ti.Tree.HighestCertifiedBlock().ID)

	qc := consensus.NewQuorumCert(a1.Info(), nil, nil)
	a2, err := ti.Tree.InsertBlockWithQC(qc, a1, 2)
	require.NoError(t, err)
	require.Equal(t, a1.ID, ti.Tree.HighestCertifiedBlock().ID)

	path, ok := ti.Tree.PathFromRoot(a2.ID)
	require.True(t, ok)
	require.Equal(t, []*consensus.Block{a1, a2}, path)
}

func TestCommitRootPrunes(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	genesis := ti.Genesis()
	a1 := ti.InsertBlockWithQC(genesis, 1)
	b2 := ti.InsertBlockWithQC(genesis, 2)
	ti.InsertQCForBlock(a1)
	a3 := ti.InsertBlockWithQC(a1, 3)
	ti.InsertQCForBlock(b2)

	_, err := ti.Tree.CommitRoot(a3.ID)
	require.ErrorIs(t, err, consensus.ErrInvalidBlock, "uncertified blocks cannot be committed")

	pruned, err := ti.Tree.CommitRoot(a1.ID)
	require.NoError(t, err)
	require.Equal(t, []consensus.Hash{genesis.ID, b2.ID}, pruned)
	require.Equal(t, a1.ID, ti.Tree.OrderedRoot().ID)
	require.Equal(t, 2, ti.Tree.Len())
	// b2 was the highest certified block and is gone
	require.Equal(t, a1.ID, ti.Tree.HighestCertifiedBlock().ID)

	_, ok := ti.Tree.GetBlock(b2.ID)
	require.False(t, ok)
	path, ok := ti.Tree.PathFromRoot(a3.ID)
	require.True(t, ok)
	require.Equal(t, []*consensus.Block{a3}, path)

	pruned, err = ti.Tree.CommitRoot(a1.ID)
	require.NoError(t, err)
	require.Empty(t, pruned)

	_, err = ti.Tree.CommitRoot(b2.ID)
	require.ErrorIs(t, err, consensus.ErrUnknownBlock)
}

type recordingWAL struct {
	mu    sync.Mutex
	lines []string
}

func (w *recordingWAL) Append(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, line)
}

func TestBlockTreeRecovery(t *testing.T) {
	store := storage.NewInMemoryStore()
	wal := &recordingWAL{}
	ti := consensustest.NewTreeInserter(t)
	genesis := consensus.GenesisBlock(1, consensustest.GenesisTimestamp)
	cfg := consensus.BlockTreeConfig{Author: ti.Signer.Address(), Store: store, WAL: wal}
	tree, err := consensus.NewBlockTree(genesis, consensus.GenesisQuorumCert(genesis), cfg)
	require.NoError(t, err)

	a1, err := tree.InsertBlockWithQC(consensus.GenesisQuorumCert(genesis), genesis, 1)
	require.NoError(t, err)
	require.NoError(t, tree.InsertQCForBlock(a1, nil))
	a2, err := tree.InsertBlockWithQC(consensus.NewQuorumCert(a1.Info(), nil, nil), a1, 2)
	require.NoError(t, err)
	require.NoError(t, tree.InsertQCForBlock(a2, nil))
	a3, err := tree.InsertBlockWithQC(consensus.NewQuorumCert(a2.Info(), nil, nil), a2, 3)
	require.NoError(t, err)
	_, err = tree.CommitRoot(a1.ID)
	require.NoError(t, err)
	require.NotEmpty(t, wal.lines)

	data, err := store.LoadTree()
	require.NoError(t, err)
	require.NotNil(t, data)

	linesBefore := len(wal.lines)
	recovered, err := consensus.RecoverBlockTree(data, cfg)
	require.NoError(t, err)
	require.Equal(t, linesBefore, len(wal.lines), "replay is not audited")
	require.Equal(t, a1.ID, recovered.OrderedRoot().ID)
	require.Equal(t, a2.ID, recovered.HighestCertifiedBlock().ID)
	require.Equal(t, 3, recovered.Len())
	_, ok := recovered.GetBlock(a3.ID)
	require.True(t, ok)
	_, ok = recovered.GetBlock(genesis.ID)
	require.False(t, ok)
}

// pruneFailStore refuses to move the root while fail is set.
type pruneFailStore struct {
	*storage.InMemoryStore
	fail error
}

func (s *pruneFailStore) PruneTo(id consensus.Hash, pruned ...consensus.Hash) error {
	if s.fail != nil {
		return s.fail
	}
	return s.InMemoryStore.PruneTo(id, pruned...)
}

func TestCommitRootStoreFailureLeavesTreeIntact(t *testing.T) {
	store := &pruneFailStore{InMemoryStore: storage.NewInMemoryStore(), fail: errors.New("disk full")}
	genesis := consensus.GenesisBlock(1, consensustest.GenesisTimestamp)
	cfg := consensus.BlockTreeConfig{Author: consensus.Author{1}, Store: store}
	tree, err := consensus.NewBlockTree(genesis, consensus.GenesisQuorumCert(genesis), cfg)
	require.NoError(t, err)

	a1, err := tree.InsertBlockWithQC(consensus.GenesisQuorumCert(genesis), genesis, 1)
	require.NoError(t, err)
	require.NoError(t, tree.InsertQCForBlock(a1, nil))
	a2, err := tree.InsertBlockWithQC(consensus.NewQuorumCert(a1.Info(), nil, nil), a1, 2)
	require.NoError(t, err)

	_, err = tree.CommitRoot(a1.ID)
	require.ErrorIs(t, err, store.fail)
	require.Equal(t, genesis.ID, tree.OrderedRoot().ID)
	require.Equal(t, 3, tree.Len())

	// the persisted tree still agrees with memory and recovers
	data, err := store.LoadTree()
	require.NoError(t, err)
	require.Equal(t, genesis.ID, data.RootID)
	require.Len(t, data.Blocks, 3)
	recovered, err := consensus.RecoverBlockTree(data, cfg)
	require.NoError(t, err)
	require.Equal(t, genesis.ID, recovered.OrderedRoot().ID)

	store.fail = nil
	pruned, err := tree.CommitRoot(a1.ID)
	require.NoError(t, err)
	require.Equal(t, []consensus.Hash{genesis.ID}, pruned)
	data, err = store.LoadTree()
	require.NoError(t, err)
	require.Equal(t, a1.ID, data.RootID)
	require.Len(t, data.Blocks, 2)
	_, ok := tree.GetBlock(a2.ID)
	require.True(t, ok)
}

func TestRecoverBlockTreeWithoutData(t *testing.T) {
	_, err := consensus.RecoverBlockTree(nil, consensus.BlockTreeConfig{})
	require.ErrorIs(t, err, consensus.ErrUnknownBlock)
}

func TestHighestTimeoutCert(t *testing.T) {
	ti := consensustest.NewTreeInserter(t)
	require.Nil(t, ti.Tree.HighestTimeoutCert())

	a1 := ti.InsertBlockWithQC(ti.Genesis(), 1)
	require.NoError(t, ti.Tree.InsertQCForBlock(a1, &consensus.TimeoutCertificate{Epoch: 1, Round: 4}))
	ti.Tree.InsertTimeoutCert(consensus.TimeoutCertificate{Epoch: 1, Round: 2})

	tc := ti.Tree.HighestTimeoutCert()
	require.NotNil(t, tc)
	require.Equal(t, consensus.Round(4), tc.Round)
	require.Equal(t, a1.ID, ti.Tree.HighestCertifiedBlock().ID)
}
