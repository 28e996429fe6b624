// Package settlement implements the Settlement Client (C5): it takes a
// channel's final, co-signed state and drives it through the on-chain
// policy guard and vault, producing one durable record of what was
// settled.
package settlement

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sentinel-kernel/internal/policy"
)

// Record is the outcome of one settlement attempt that reached the chain:
// the evidence that a session's final balances were submitted to and
// accepted by the vault.
type Record struct {
	SessionID     string
	WalletAddress common.Address
	Balances      map[policy.Asset]*big.Int
	TxHash        common.Hash
	BlockNumber   uint64
	Timestamp     time.Time
}
