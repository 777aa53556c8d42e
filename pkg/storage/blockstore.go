package storage

import (
	"sync"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
)

// InMemoryStore keeps everything a PebbleStore would, for tests and for
// nodes that do not need to survive a restart.
type InMemoryStore struct {
	mu       sync.Mutex
	blocks   map[consensus.Hash]*consensus.Block
	qcs      map[consensus.Hash]consensus.QuorumCert
	root     *consensus.Hash
	proposed consensus.Round
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		blocks: make(map[consensus.Hash]*consensus.Block),
		qcs:    make(map[consensus.Hash]consensus.QuorumCert),
	}
}

func (s *InMemoryStore) SaveBlocks(blocks ...*consensus.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		s.blocks[b.ID] = b
	}
	return nil
}

func (s *InMemoryStore) SaveQuorumCerts(qcs ...consensus.QuorumCert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, qc := range qcs {
		s.qcs[qc.CertifiedBlock.ID] = qc
	}
	return nil
}

func (s *InMemoryStore) PruneTo(root consensus.Hash, ids ...consensus.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = &root
	for _, id := range ids {
		delete(s.blocks, id)
		delete(s.qcs, id)
	}
	return nil
}

func (s *InMemoryStore) SaveRoot(id consensus.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = &id
	return nil
}

func (s *InMemoryStore) LoadTree() (*consensus.RecoveryData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return nil, nil
	}
	data := &consensus.RecoveryData{RootID: *s.root}
	for _, b := range s.blocks {
		data.Blocks = append(data.Blocks, b)
	}
	for _, qc := range s.qcs {
		data.QuorumCerts = append(data.QuorumCerts, qc)
	}
	return data, nil
}

func (s *InMemoryStore) PutProposedRound(r consensus.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposed = r
	return nil
}

func (s *InMemoryStore) GetProposedRound() (consensus.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proposed, nil
}

var (
	_ consensus.TreeStore     = (*InMemoryStore)(nil)
	_ consensus.ProposalStore = (*InMemoryStore)(nil)
)
