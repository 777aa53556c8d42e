package crypto

import (
	"errors"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
	"github.com/ethereum/go-ethereum/common"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]
type BLSSignature = []byte

// BLSSigner produces the vote shares that are aggregated into a quorum
// certificate.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSignerFromSeed derives a key from seed. The seed must be at least 32
// bytes.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func Verify(pk *BLSPubKey, sigBytes, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sigBytes))
}

// Aggregate combines signatures over the same message. Empty shares are
// skipped.
func Aggregate(sigBytesList [][]byte) ([]byte, error) {
	sigs := make([]bls.Signature, 0, len(sigBytesList))
	for _, sb := range sigBytesList {
		if len(sb) == 0 {
			continue
		}
		sigs = append(sigs, bls.Signature(sb))
	}
	if len(sigs) == 0 {
		return nil, errors.New("no signature shares to aggregate")
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return agg, nil
}

func VerifyAggregateSameMsg(pks []*BLSPubKey, msg []byte, aggSig []byte) bool {
	msgs := make([][]byte, len(pks))
	for i := range pks {
		msgs[i] = msg
	}
	return bls.VerifyAggregate(pks, msgs, bls.Signature(aggSig))
}

var (
	ErrNotEnoughSigners = errors.New("not enough signers for quorum")
	ErrUnknownSigner    = errors.New("unknown signer")
	ErrBadAggregate     = errors.New("aggregate signature does not verify")
)

// QuorumVerifier checks the signature evidence carried by a quorum
// certificate against a fixed validator set.
type QuorumVerifier struct {
	keys   map[common.Address]*BLSPubKey
	quorum int
}

// NewQuorumVerifier builds a verifier for the given validators. quorum is the
// minimum number of distinct signers (2f+1 for n = 3f+1).
func NewQuorumVerifier(keys map[common.Address]*BLSPubKey, quorum int) *QuorumVerifier {
	return &QuorumVerifier{keys: keys, quorum: quorum}
}

// Verify checks that signers form a quorum of known, distinct validators and
// that aggSig is their aggregate over msg.
func (v *QuorumVerifier) Verify(signers []common.Address, msg []byte, aggSig []byte) error {
	seen := make(map[common.Address]struct{}, len(signers))
	pks := make([]*BLSPubKey, 0, len(signers))
	for _, s := range signers {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		pk, ok := v.keys[s]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSigner, s.Hex())
		}
		pks = append(pks, pk)
	}
	if len(pks) < v.quorum {
		return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughSigners, len(pks), v.quorum)
	}
	if !VerifyAggregateSameMsg(pks, msg, aggSig) {
		return ErrBadAggregate
	}
	return nil
}
