package consensus

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

type Round uint64
type Epoch uint64

// Author identifies a validator by the address of its secp256k1 author key.
type Author = common.Address

type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short is the 8-hex-char prefix used in logs.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// Less orders hashes lexicographically. It is the canonical tie-break between
// blocks certified at the same round.
func (h Hash) Less(o Hash) bool { return bytes.Compare(h[:], o[:]) < 0 }

// HashFromHex parses a 64-char hex string, with or without 0x.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(trim0x(s))
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Transaction is an opaque transaction as handed out by the payload provider.
type Transaction []byte

func (tx Transaction) Hash() Hash {
	var h Hash
	d := sha3.New256()
	d.Write(tx)
	d.Sum(h[:0])
	return h
}

// Payload is the ordered transaction list carried by a block. It may be empty.
type Payload []Transaction

// Size is the sum of transaction sizes in bytes.
func (p Payload) Size() uint64 {
	var n uint64
	for _, tx := range p {
		n += uint64(len(tx))
	}
	return n
}

// Truncate returns the longest prefix of p within both limits. A zero limit
// means unlimited.
func (p Payload) Truncate(maxTxns, maxBytes uint64) Payload {
	var used uint64
	for i, tx := range p {
		if maxTxns > 0 && uint64(i) >= maxTxns {
			return p[:i]
		}
		if maxBytes > 0 && used+uint64(len(tx)) > maxBytes {
			return p[:i]
		}
		used += uint64(len(tx))
	}
	return p
}

type BlockType uint8

const (
	BlockTypeProposal BlockType = iota
	// BlockTypeNil blocks have no author and no payload; every replica
	// derives the same one for a round after a timeout.
	BlockTypeNil
	BlockTypeGenesis
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeProposal:
		return "proposal"
	case BlockTypeNil:
		return "nil"
	case BlockTypeGenesis:
		return "genesis"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// BlockInfo is how certificates reference a block.
type BlockInfo struct {
	Epoch     Epoch
	Round     Round
	ID        Hash
	Timestamp uint64
}

// BlockData is the unsigned block body produced by the proposal generator.
// The embedded QuorumCert certifies the parent, never the block itself.
type BlockData struct {
	Epoch Epoch
	Round Round
	// Timestamp in microseconds; strictly greater than the parent's.
	Timestamp  uint64
	QuorumCert QuorumCert
	Type       BlockType
	Author     Author
	Payload    Payload
}

func (d *BlockData) ParentID() Hash { return d.QuorumCert.CertifiedBlock.ID }

func (d *BlockData) ParentRound() Round { return d.QuorumCert.CertifiedBlock.Round }

// Hash is the block id: SHA3-256 over a canonical big-endian encoding.
// Signature evidence inside the QC is not part of the id, so the same body
// certified by different signer sets hashes identically.
func (d *BlockData) Hash() Hash {
	h := sha3.New256()
	h.Write([]byte("hyperbft/block"))

	var u64 [8]byte
	put := func(v uint64) {
		binary.BigEndian.PutUint64(u64[:], v)
		h.Write(u64[:])
	}

	put(uint64(d.Epoch))
	put(uint64(d.Round))
	put(d.Timestamp)
	h.Write([]byte{byte(d.Type)})
	h.Write(d.Author[:])

	qc := d.QuorumCert.CertifiedBlock
	put(uint64(qc.Epoch))
	put(uint64(qc.Round))
	h.Write(qc.ID[:])
	put(qc.Timestamp)

	put(uint64(len(d.Payload)))
	for _, tx := range d.Payload {
		put(uint64(len(tx)))
		h.Write(tx)
	}

	var out Hash
	h.Sum(out[:0])
	return out
}

// Block is an immutable, identified block. Blocks handed out by the tree are
// shared and must not be modified.
type Block struct {
	BlockData
	ID        Hash
	Signature []byte
}

// NewUnsignedBlock computes the id of data. Used for genesis, nil blocks and
// blocks whose signature is attached later.
func NewUnsignedBlock(data BlockData) *Block {
	return &Block{BlockData: data, ID: data.Hash()}
}

func (b *Block) Info() BlockInfo {
	return BlockInfo{Epoch: b.Epoch, Round: b.Round, ID: b.ID, Timestamp: b.Timestamp}
}

func (b *Block) String() string {
	return fmt.Sprintf("[id=%s round=%d parent=%s parent_round=%d type=%s txs=%d]",
		b.ID.Short(), b.Round, b.ParentID().Short(), b.ParentRound(), b.Type, len(b.Payload))
}

// VerifyWellFormed checks the block's internal consistency. It does not look
// at signatures or at the tree.
func (b *Block) VerifyWellFormed() error {
	if b.ID != b.BlockData.Hash() {
		return fmt.Errorf("%w: id %s does not match block data", ErrInvalidBlock, b.ID.Short())
	}
	switch b.Type {
	case BlockTypeGenesis:
		return nil
	case BlockTypeNil:
		if b.Author != (Author{}) || len(b.Payload) != 0 {
			return fmt.Errorf("%w: nil block with author or payload", ErrInvalidBlock)
		}
	case BlockTypeProposal:
		if b.Author == (Author{}) {
			return fmt.Errorf("%w: proposal without author", ErrInvalidBlock)
		}
	default:
		return fmt.Errorf("%w: unknown block type %d", ErrInvalidBlock, b.Type)
	}
	if b.Round <= b.ParentRound() {
		return fmt.Errorf("%w: round %d does not exceed certified round %d", ErrInvalidBlock, b.Round, b.ParentRound())
	}
	return nil
}

// GenesisBlock is the root every replica of an epoch starts from.
func GenesisBlock(epoch Epoch, timestamp uint64) *Block {
	return NewUnsignedBlock(BlockData{
		Epoch:     epoch,
		Round:     0,
		Timestamp: timestamp,
		Type:      BlockTypeGenesis,
	})
}

// GenesisQuorumCert certifies genesis without signatures; genesis is final
// by construction.
func GenesisQuorumCert(genesis *Block) QuorumCert {
	return NewQuorumCert(genesis.Info(), nil, nil)
}
