package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if got := len(signer.PrivateKeyHex()); got != 64 {
		t.Errorf("private key hex length = %d, want 64", got)
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	signer2, err := FromPrivateKeyHex(privHex)
	if err != nil {
		t.Fatalf("failed to load key: %v", err)
	}
	if signer2.Address() != signer1.Address() {
		t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
	}

	if _, err := FromPrivateKeyHex("not-hex"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestSignRecoverVerify(t *testing.T) {
	signer, _ := GenerateKey()
	digest := eth_crypto.Keccak256([]byte("block id"))

	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(sig) != 65 {
		t.Errorf("signature length = %d, want 65", len(sig))
	}

	got, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("failed to recover address: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered address = %s, want %s", got.Hex(), signer.Address().Hex())
	}

	if !VerifySignature(signer.Address(), digest, sig) {
		t.Error("signature verification failed")
	}
	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, digest, sig) {
		t.Error("signature should not verify with wrong address")
	}
}

func TestSignRejectsShortDigest(t *testing.T) {
	signer, _ := GenerateKey()
	if _, err := signer.Sign([]byte("short")); err == nil {
		t.Error("expected error for non-32-byte digest")
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	digest := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), digest, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid digest should not verify")
	}
}
