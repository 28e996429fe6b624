package channel

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// sign produces a personal-message-prefixed secp256k1 signature over digest
// using key.
func sign(key *ecdsa.PrivateKey, digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(signingHash(digest), key)
	if err != nil {
		return nil, fmt.Errorf("channel: sign state digest: %w", err)
	}
	return sig, nil
}

// recoverSigner recovers the address that produced sig over digest, and
// reports whether it matches expected.
func recoverSigner(digest [32]byte, sig []byte, expected common.Address) (bool, error) {
	if len(sig) != crypto.SignatureLength {
		return false, fmt.Errorf("channel: signature has unexpected length %d", len(sig))
	}
	pubKey, err := crypto.SigToPub(signingHash(digest), sig)
	if err != nil {
		return false, fmt.Errorf("channel: recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	return recovered == expected, nil
}
