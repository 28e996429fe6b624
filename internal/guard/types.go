// Package guard implements the Policy Guard & Vault (C6): the final
// on-chain (or, for local deployments, in-process) check of per-session
// settlement caps and replay protection, and the minimal smart-contract
// wallet that custodies session funds. Guard and Vault are interfaces so
// the same settlement client can drive either a real deployed contract
// pair over an ethclient, or a local in-process reference implementation
// for tests and single-operator deployments without a chain dependency.
package guard

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "sentinel-kernel/internal/errors"
)

const (
	// CodeSettlementRejected marks a validateSettlement failure: caps
	// exceeded, disallowed token, or the session already settled.
	CodeSettlementRejected xerrors.Code = "SETTLEMENT_REJECTED"
	// CodeGuardCallFailure marks a transport-level failure calling the
	// guard or vault (RPC error, ABI mismatch), distinct from a
	// contract-level rejection.
	CodeGuardCallFailure xerrors.Code = "GUARD_CALL_FAILURE"
	// CodeUnauthorized marks a caller that is neither the owner nor the
	// account-abstraction entry point attempting a restricted operation.
	CodeUnauthorized xerrors.Code = "GUARD_UNAUTHORIZED"
)

func init() {
	xerrors.Register(CodeSettlementRejected, xerrors.Attributes{
		Message:   "settlement rejected by policy guard",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeGuardCallFailure, xerrors.Attributes{
		Message:   "policy guard call failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:   "caller is not authorized for this operation",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// PolicyMirror is the guard's on-chain copy of the caps a session's
// settlement must respect, plus the policy hash it was configured from.
type PolicyMirror struct {
	MaxSettlementUSDC *big.Int
	MaxSettlementETH  *big.Int
	AllowedTokens     []common.Address
	PolicyHash        [32]byte
	Owner             common.Address
}

func (p PolicyMirror) allows(token common.Address) bool {
	for _, t := range p.AllowedTokens {
		if t == token {
			return true
		}
	}
	return false
}

// SessionSettled is the event emitted when the vault settles a session.
type SessionSettled struct {
	SessionID  [32]byte
	Operator   common.Address
	USDCDelta  *big.Int
	ETHDelta   *big.Int
	Timestamp  int64
	TxHash     common.Hash
	BlockNum   uint64
}

// Executed is the event emitted for every vault-executed call.
type Executed struct {
	Target common.Address
	Value  *big.Int
	Nonce  uint64
	TxHash common.Hash
}

// PolicyUpdated is the event emitted when the guard's policy mirror
// changes.
type PolicyUpdated struct {
	OldHash [32]byte
	NewHash [32]byte
	TxHash  common.Hash
}

// Guard is the C6 policy-guard contract: final validation and replay
// bookkeeping for session settlement.
type Guard interface {
	ValidateSettlement(ctx context.Context, sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error
	MarkSettled(ctx context.Context, sessionID [32]byte) error
	UpdatePolicy(ctx context.Context, newPolicy PolicyMirror) (PolicyUpdated, error)
	GetPolicy(ctx context.Context) (PolicyMirror, error)
	IsTokenAllowed(ctx context.Context, token common.Address) (bool, error)
	IsSettled(ctx context.Context, sessionID [32]byte) (bool, error)
	PolicyHash(ctx context.Context) ([32]byte, error)
}

// Vault is the C6 smart-contract wallet: fund custody and the sole entry
// point through which a settlement actually moves funds and records a
// SessionSettled event.
type Vault interface {
	Execute(ctx context.Context, target common.Address, value *big.Int, data []byte) (Executed, error)
	ExecuteBatch(ctx context.Context, targets []common.Address, values []*big.Int, data [][]byte) ([]Executed, error)
	SettleSession(ctx context.Context, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (SessionSettled, error)
	ValidateUserOp(ctx context.Context, userOpHash [32]byte, signature []byte) (bool, error)
	GetNonce(ctx context.Context) (uint64, error)
	BalanceOf(ctx context.Context, token common.Address) (*big.Int, error)
}
