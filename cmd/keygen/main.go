// keygen prints a fresh validator identity as .env lines.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/uhyunpark/hyperbft/pkg/crypto"
)

func main() {
	signer, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("generate author key: %v", err)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		log.Fatalf("bls seed: %v", err)
	}
	bls, err := crypto.NewBLSSignerFromSeed(seed)
	if err != nil {
		log.Fatalf("bls key: %v", err)
	}
	pub, err := bls.Pubkey().MarshalBinary()
	if err != nil {
		log.Fatalf("bls pubkey: %v", err)
	}

	fmt.Printf("# author %s\n", signer.Address().Hex())
	fmt.Printf("# bls pubkey 0x%s\n", hex.EncodeToString(pub))
	fmt.Printf("NODE_KEY_HEX=%s\n", signer.PrivateKeyHex())
	fmt.Printf("NODE_BLS_SEED=%s\n", hex.EncodeToString(seed))
}
