package channel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"sentinel-kernel/internal/policy"
)

// canonicalize renders (channelId, turnNum, balances) as a deterministic
// text encoding: balance keys sorted lexicographically, amounts as decimal
// strings, one field per line.
func canonicalize(channelID string, turnNum uint64, balances Balances) []byte {
	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, string(asset))
	}
	sort.Strings(assets)

	var b strings.Builder
	fmt.Fprintf(&b, "channelId=%s\n", channelID)
	fmt.Fprintf(&b, "turnNum=%d\n", turnNum)
	for _, asset := range assets {
		fmt.Fprintf(&b, "balance.%s=%s\n", asset, balances[policy.Asset(asset)].String())
	}
	return []byte(b.String())
}

// stateDigest computes the keccak256 digest that both parties sign. It uses
// Keccak256 rather than SHA-256 because this digest crosses into on-chain
// verification via ECDSA recovery, matching the guard/vault's own hashing.
func stateDigest(channelID string, turnNum uint64, balances Balances) [32]byte {
	hash := crypto.Keccak256Hash(canonicalize(channelID, turnNum, balances))
	return [32]byte(hash)
}

// signingHash applies the standard personal-message prefix to digest so
// that on-chain ECDSA recovery via ecrecover matches an off-chain
// crypto.Sign over the same bytes.
func signingHash(digest [32]byte) []byte {
	return accounts.TextHash(digest[:])
}
