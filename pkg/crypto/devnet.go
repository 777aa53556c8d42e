package crypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// DevnetKeys derives the well-known keys of devnet validator index. They are
// public and only meant for local networks.
func DevnetKeys(index int) (*Signer, *BLSSigner, error) {
	authorSeed := devnetSeed("author", index)
	pk, err := crypto.ToECDSA(authorSeed)
	if err != nil {
		return nil, nil, fmt.Errorf("devnet author key %d: %w", index, err)
	}
	bls, err := NewBLSSignerFromSeed(devnetSeed("bls", index))
	if err != nil {
		return nil, nil, fmt.Errorf("devnet bls key %d: %w", index, err)
	}
	return newSigner(pk), bls, nil
}

// DevnetValidatorSet returns the authors and BLS public keys of the first n
// devnet validators, in index order.
func DevnetValidatorSet(n int) ([]common.Address, map[common.Address]*BLSPubKey, error) {
	authors := make([]common.Address, 0, n)
	keys := make(map[common.Address]*BLSPubKey, n)
	for i := 0; i < n; i++ {
		s, b, err := DevnetKeys(i)
		if err != nil {
			return nil, nil, err
		}
		authors = append(authors, s.Address())
		keys[s.Address()] = b.Pubkey()
	}
	return authors, keys, nil
}

func devnetSeed(kind string, index int) []byte {
	h := sha3.New256()
	fmt.Fprintf(h, "hyperbft/devnet/%s/%d", kind, index)
	return h.Sum(nil)
}
