// Package channel implements the Channel Ledger (C3): the authoritative,
// co-signed balance sheet for one session. Every accepted mutation produces
// a new monotonically numbered state, signed by both the operator and a
// counterparty, over a canonical digest of channel id, turn number, and
// balances.
package channel

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sentinel-kernel/internal/policy"
)

// Status is the channel's closed lifecycle.
type Status string

const (
	StatusNone      Status = "none"
	StatusPrefund   Status = "prefund"
	StatusOpen      Status = "open"
	StatusRunning   Status = "running"
	StatusClosing   Status = "closing"
	StatusFinalized Status = "finalized"
)

// Balances is a deterministic, per-asset balance map. Iteration order is
// never observable externally; canonicalize sorts the asset keys
// lexicographically for encoding.
type Balances map[policy.Asset]*big.Int

// Clone returns a deep copy.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

// State is one numbered, co-signed snapshot of channel balances.
type State struct {
	ChannelID  string
	TurnNum    uint64
	Balances   Balances
	StateHash  [32]byte
	Signatures [2][]byte
	Timestamp  time.Time
}

// Session is the channel's full lifecycle: current state plus the ordered
// history of every state that preceded it, owned exclusively by the
// Channel Ledger.
type Session struct {
	ChannelID    string
	Status       Status
	Participants [2]common.Address
	Current      State
	History      []State
	OpenedAt     time.Time
	ClosedAt     *time.Time
}
