// Package session implements the Session Manager (C4): it owns the
// session lifecycle state machine and drives the policy -> ledger pipeline
// for every swap proposal, exposing balance and summary views to callers.
package session

import (
	"math/big"
	"time"

	"sentinel-kernel/internal/policy"
)

// Status is the session's closed lifecycle, plus an error sink for
// unrecoverable invariant violations.
type Status string

const (
	StatusNone    Status = "none"
	StatusActive  Status = "active"
	StatusClosing Status = "closing"
	StatusSettled Status = "settled"
	StatusError   Status = "error"
)

// ExecutionType distinguishes a swap applied only to the off-chain balance
// sheet from one whose effect has been confirmed on-chain.
type ExecutionType string

const (
	ExecutionOffchain ExecutionType = "offchain"
	ExecutionOnchain  ExecutionType = "onchain"
)

// Balance is one asset's position within a session: its current amount,
// its amount at session open, and the derived profit-and-loss.
type Balance struct {
	Amount        *big.Int
	InitialAmount *big.Int
}

// PnL returns Amount - InitialAmount.
func (b Balance) PnL() *big.Int {
	return new(big.Int).Sub(b.Amount, b.InitialAmount)
}

// BalanceSheet is a deterministic per-asset balance map.
type BalanceSheet map[policy.Asset]Balance

// Clone returns a deep copy.
func (s BalanceSheet) Clone() BalanceSheet {
	out := make(BalanceSheet, len(s))
	for asset, bal := range s {
		out[asset] = Balance{
			Amount:        new(big.Int).Set(bal.Amount),
			InitialAmount: new(big.Int).Set(bal.InitialAmount),
		}
	}
	return out
}

// SwapResult records one accepted swap's effect on the balance sheet.
type SwapResult struct {
	ProposalID     string
	Success        bool
	AmountIn       *big.Int
	AmountOut      *big.Int
	ExecutedPrice  *big.Rat
	ExecutionType  ExecutionType
	Timestamp      time.Time
}

// State is the full externally observable view of a session.
type State struct {
	SessionID        string
	Status           Status
	Balances         BalanceSheet
	History          []SwapResult
	OpenedAt         time.Time
	ClosedAt         *time.Time
	SettlementTxHash string
}
