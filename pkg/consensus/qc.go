package consensus

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/hyperbft/pkg/crypto"
)

// QuorumCert proves that a quorum of validators voted for CertifiedBlock.
// The signature evidence is verified by the caller before the certificate
// reaches the tree; the tree only checks structure.
type QuorumCert struct {
	CertifiedBlock BlockInfo
	Signers        []Author
	AggSig         []byte
}

func NewQuorumCert(certified BlockInfo, signers []Author, aggSig []byte) QuorumCert {
	return QuorumCert{CertifiedBlock: certified, Signers: signers, AggSig: aggSig}
}

func (qc QuorumCert) Round() Round { return qc.CertifiedBlock.Round }

func (qc QuorumCert) String() string {
	return fmt.Sprintf("QC[block=%s round=%d signers=%d]", qc.CertifiedBlock.ID.Short(), qc.CertifiedBlock.Round, len(qc.Signers))
}

// SigningMessage is what validators sign when voting for the certified block.
func (qc QuorumCert) SigningMessage() []byte {
	return voteMessage("hyperbft/qc", qc.CertifiedBlock.Epoch, qc.CertifiedBlock.Round, qc.CertifiedBlock.ID)
}

// TimeoutCertificate records that a quorum gave up on Round.
type TimeoutCertificate struct {
	Epoch   Epoch
	Round   Round
	Signers []Author
	AggSig  []byte
}

func (tc TimeoutCertificate) SigningMessage() []byte {
	return voteMessage("hyperbft/tc", tc.Epoch, tc.Round, Hash{})
}

func voteMessage(domain string, epoch Epoch, round Round, id Hash) []byte {
	h := sha3.New256()
	h.Write([]byte(domain))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(epoch))
	h.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], uint64(round))
	h.Write(u64[:])
	h.Write(id[:])
	return h.Sum(nil)
}

// NewProposalFromBlockData signs data with the author key. The signer must
// be the block's author.
func NewProposalFromBlockData(data BlockData, signer *crypto.Signer) (*Block, error) {
	if data.Author != signer.Address() {
		return nil, fmt.Errorf("%w: author %s does not match signer %s", ErrInvalidBlock, data.Author.Hex(), signer.Address().Hex())
	}
	b := NewUnsignedBlock(data)
	sig, err := signer.Sign(b.ID[:])
	if err != nil {
		return nil, fmt.Errorf("sign block %s: %w", b.ID.Short(), err)
	}
	b.Signature = sig
	return b, nil
}

// VerifySignature checks that a proposal was signed by its author. Genesis
// and nil blocks carry no signature.
func (b *Block) VerifySignature() error {
	if b.Type != BlockTypeProposal {
		return nil
	}
	if !crypto.VerifySignature(b.Author, b.ID[:], b.Signature) {
		return fmt.Errorf("%w: bad signature on %s", ErrInvalidBlock, b.ID.Short())
	}
	return nil
}
