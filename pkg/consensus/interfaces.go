package consensus

import (
	"context"
	"time"
)

// BlockReader is the read side of the block tree.
type BlockReader interface {
	OrderedRoot() *Block
	HighestCertifiedBlock() *Block
	HighestQuorumCert() QuorumCert
	// HighestCertified returns the highest certified block together with
	// its certificate, read atomically.
	HighestCertified() (*Block, QuorumCert)
	GetBlock(id Hash) (*Block, bool)
	PathFromRoot(id Hash) ([]*Block, bool)
}

// PayloadRequest bounds what a PayloadProvider may return.
type PayloadRequest struct {
	// Zero means unlimited.
	MaxTxns  uint64
	MaxBytes uint64
	// Deadline by which the provider returns what it has, possibly nothing.
	Deadline time.Time
	// Exclude holds the payloads of the uncommitted ancestors of the new
	// block; none of their transactions may be proposed again.
	Exclude []Payload
}

// PayloadProvider supplies transactions for new proposals. Running out of
// time is not an error: the provider returns best-effort content.
type PayloadProvider interface {
	PullPayload(ctx context.Context, req PayloadRequest) (Payload, error)
}

// RecoveryData is everything a TreeStore persisted.
type RecoveryData struct {
	RootID      Hash
	Blocks      []*Block
	QuorumCerts []QuorumCert
}

// TreeStore durably logs what the tree accepted so it can be rebuilt after a
// crash.
type TreeStore interface {
	SaveBlocks(blocks ...*Block) error
	SaveQuorumCerts(qcs ...QuorumCert) error
	SaveRoot(id Hash) error
	// PruneTo moves the root to id and removes the pruned blocks with the
	// certificates certifying them, in one write: after a crash either all
	// of it or none of it is visible.
	PruneTo(id Hash, pruned ...Hash) error
	// LoadTree returns nil, nil when nothing was ever saved.
	LoadTree() (*RecoveryData, error)
}

// ProposalStore persists the last round this replica proposed in.
type ProposalStore interface {
	PutProposedRound(r Round) error
	GetProposedRound() (Round, error)
}

type WAL interface {
	Append(line string)
}
