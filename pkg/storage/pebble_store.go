package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
)

// PebbleStore persists the block tree and the proposer's last round.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: b:<block id>, q:<certified block id>, root, proposed_round
var (
	prefixBlock = []byte("b:")
	prefixQC    = []byte("q:")
)

func kBlock(h consensus.Hash) []byte { return append(append([]byte(nil), prefixBlock...), h[:]...) }
func kQC(h consensus.Hash) []byte    { return append(append([]byte(nil), prefixQC...), h[:]...) }
func kRoot() []byte                  { return []byte("root") }
func kProposedRound() []byte         { return []byte("proposed_round") }

func (s *PebbleStore) SaveBlocks(blocks ...*consensus.Block) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, blk := range blocks {
		val, err := encodeGob(blk)
		if err != nil {
			return fmt.Errorf("encode block %s: %w", blk.ID.Short(), err)
		}
		if err := b.Set(kBlock(blk.ID), val, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) SaveQuorumCerts(qcs ...consensus.QuorumCert) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, qc := range qcs {
		val, err := encodeGob(qc)
		if err != nil {
			return fmt.Errorf("encode qc for %s: %w", qc.CertifiedBlock.ID.Short(), err)
		}
		if err := b.Set(kQC(qc.CertifiedBlock.ID), val, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) PruneTo(root consensus.Hash, ids ...consensus.Hash) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(kRoot(), root[:], nil); err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.Delete(kBlock(id), nil); err != nil {
			return err
		}
		if err := b.Delete(kQC(id), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) SaveRoot(id consensus.Hash) error {
	return s.db.Set(kRoot(), id[:], pebble.Sync)
}

// GetBlock reads a single persisted block.
func (s *PebbleStore) GetBlock(id consensus.Hash) (*consensus.Block, bool, error) {
	val, closer, err := s.db.Get(kBlock(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	var out consensus.Block
	if err := decodeGob(val, &out); err != nil {
		return nil, false, fmt.Errorf("decode block %s: %w", id.Short(), err)
	}
	return &out, true, nil
}

func (s *PebbleStore) LoadTree() (*consensus.RecoveryData, error) {
	val, closer, err := s.db.Get(kRoot())
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	data := &consensus.RecoveryData{}
	copy(data.RootID[:], val)
	closer.Close()

	if err := s.scan(prefixBlock, func(v []byte) error {
		var blk consensus.Block
		if err := decodeGob(v, &blk); err != nil {
			return fmt.Errorf("decode block: %w", err)
		}
		data.Blocks = append(data.Blocks, &blk)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := s.scan(prefixQC, func(v []byte) error {
		var qc consensus.QuorumCert
		if err := decodeGob(v, &qc); err != nil {
			return fmt.Errorf("decode qc: %w", err)
		}
		data.QuorumCerts = append(data.QuorumCerts, qc)
		return nil
	}); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) PutProposedRound(r consensus.Round) error {
	return s.db.Set(kProposedRound(), roundBytes(r), pebble.Sync)
}

func (s *PebbleStore) GetProposedRound() (consensus.Round, error) {
	val, closer, err := s.db.Get(kProposedRound())
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	return consensus.Round(binary.BigEndian.Uint64(val)), nil
}

var (
	_ consensus.TreeStore     = (*PebbleStore)(nil)
	_ consensus.ProposalStore = (*PebbleStore)(nil)
)
