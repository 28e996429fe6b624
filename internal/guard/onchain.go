package guard

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"context"

	xerrors "sentinel-kernel/internal/errors"
)

// guardABI mirrors the PolicyGuard contract's external surface (spec.md
// §4.6): caps mirror, allow-set, replay bit, and the owner-restricted
// policy update.
const guardABI = `[
	{"type":"function","name":"validateSettlement","stateMutability":"view",
	 "inputs":[{"name":"sessionId","type":"bytes32"},{"name":"token","type":"address"},
	           {"name":"usdcAmount","type":"uint256"},{"name":"ethAmount","type":"uint256"}],
	 "outputs":[{"name":"ok","type":"bool"}]},
	{"type":"function","name":"markSettled","stateMutability":"nonpayable",
	 "inputs":[{"name":"sessionId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"updatePolicy","stateMutability":"nonpayable",
	 "inputs":[{"name":"maxSettlementUsdc","type":"uint256"},{"name":"maxSettlementEth","type":"uint256"},
	           {"name":"allowedTokens","type":"address[]"},{"name":"policyHash","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"getPolicy","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"maxSettlementUsdc","type":"uint256"},{"name":"maxSettlementEth","type":"uint256"},
	            {"name":"allowedTokens","type":"address[]"},{"name":"policyHash","type":"bytes32"},
	            {"name":"owner","type":"address"}]},
	{"type":"function","name":"isTokenAllowed","stateMutability":"view",
	 "inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"ok","type":"bool"}]},
	{"type":"function","name":"isSettled","stateMutability":"view",
	 "inputs":[{"name":"sessionId","type":"bytes32"}],"outputs":[{"name":"ok","type":"bool"}]},
	{"type":"function","name":"policyHash","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"hash","type":"bytes32"}]},
	{"type":"event","name":"PolicyUpdated","anonymous":false,
	 "inputs":[{"name":"oldHash","type":"bytes32","indexed":true},{"name":"newHash","type":"bytes32","indexed":true}]}
]`

// vaultABI mirrors part of the Vault contract's external surface
// (spec.md §4.6): execute, user-operation signature validation, a replay
// nonce, and the settlement entry point. It carries no executeBatch entry.
const vaultABI = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"settleSession","stateMutability":"nonpayable",
	 "inputs":[{"name":"sessionId","type":"bytes32"},{"name":"token","type":"address"},
	           {"name":"usdcDelta","type":"uint256"},{"name":"ethDelta","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"validateUserOp","stateMutability":"view",
	 "inputs":[{"name":"userOpHash","type":"bytes32"},{"name":"signature","type":"bytes"}],
	 "outputs":[{"name":"ok","type":"bool"}]},
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"nonce","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"amount","type":"uint256"}]},
	{"type":"event","name":"Executed","anonymous":false,
	 "inputs":[{"name":"target","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false},
	           {"name":"nonce","type":"uint256","indexed":false}]},
	{"type":"event","name":"SessionSettled","anonymous":false,
	 "inputs":[{"name":"sessionId","type":"bytes32","indexed":true},{"name":"operator","type":"address","indexed":true},
	           {"name":"usdcDelta","type":"uint256","indexed":false},{"name":"ethDelta","type":"uint256","indexed":false},
	           {"name":"timestamp","type":"uint256","indexed":false}]}
]`

// chainBackend is the subset of internal/chain.Client this package depends
// on, kept narrow so OnChainGuard/OnChainVault can be built against a
// bind.ContractBackend directly in tests without a full Client.
type chainBackend interface {
	ContractBackend() bind.ContractBackend
}

// OnChainGuard calls a deployed PolicyGuard contract. Every method issues
// a real contract call or transaction; callers supply a *bind.TransactOpts
// for the state-changing ones.
type OnChainGuard struct {
	contract *bind.BoundContract
	address  common.Address
	parsed   abi.ABI
}

// NewOnChainGuard parses guardABI and binds it to address over client.
func NewOnChainGuard(client chainBackend, address common.Address) (*OnChainGuard, error) {
	parsed, err := abi.JSON(strings.NewReader(guardABI))
	if err != nil {
		return nil, xerrors.Wrap(CodeGuardCallFailure, err, "parse guard abi")
	}
	backend := client.ContractBackend()
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &OnChainGuard{contract: contract, address: address, parsed: parsed}, nil
}

// ValidateSettlement issues a read-only call; a false return surfaces as
// CodeSettlementRejected, and any call error, a revert included, surfaces
// as CodeGuardCallFailure.
func (g *OnChainGuard) ValidateSettlement(ctx context.Context, sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "validateSettlement", sessionID, token, usdcAmount, ethAmount); err != nil {
		return xerrors.Wrap(CodeGuardCallFailure, err, "call validateSettlement")
	}
	ok, _ := out[0].(bool)
	if !ok {
		return xerrors.New(CodeSettlementRejected, "guard rejected settlement")
	}
	return nil
}

// markSettledTx sends the markSettled transaction.
func (g *OnChainGuard) markSettledTx(opts *bind.TransactOpts, sessionID [32]byte) (*coretypes.Transaction, error) {
	tx, err := g.contract.Transact(opts, "markSettled", sessionID)
	if err != nil {
		return nil, xerrors.Wrap(CodeGuardCallFailure, err, "send markSettled")
	}
	return tx, nil
}

// MarkSettled is unused by OnChainGuard directly: settlement always flows
// through the Vault's settleSession, which marks atomically in the same
// transaction (spec.md §4.6). Exposed to satisfy the Guard interface for
// callers that need to mark out-of-band (e.g. operational recovery).
func (g *OnChainGuard) MarkSettled(ctx context.Context, sessionID [32]byte) error {
	opts, err := authFromContext(ctx)
	if err != nil {
		return err
	}
	_, err = g.markSettledTx(opts, sessionID)
	return err
}

// UpdatePolicy sends updatePolicy and returns the requested new hash with
// the transaction hash. It does not wait for a receipt or decode the
// PolicyUpdated event, so OldHash is left zero.
func (g *OnChainGuard) UpdatePolicy(ctx context.Context, newPolicy PolicyMirror) (PolicyUpdated, error) {
	opts, err := authFromContext(ctx)
	if err != nil {
		return PolicyUpdated{}, err
	}
	tx, err := g.contract.Transact(opts, "updatePolicy",
		newPolicy.MaxSettlementUSDC, newPolicy.MaxSettlementETH, newPolicy.AllowedTokens, newPolicy.PolicyHash)
	if err != nil {
		return PolicyUpdated{}, xerrors.Wrap(CodeGuardCallFailure, err, "send updatePolicy")
	}
	return PolicyUpdated{NewHash: newPolicy.PolicyHash, TxHash: tx.Hash()}, nil
}

// GetPolicy reads the guard's current policy mirror.
func (g *OnChainGuard) GetPolicy(ctx context.Context) (PolicyMirror, error) {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getPolicy"); err != nil {
		return PolicyMirror{}, xerrors.Wrap(CodeGuardCallFailure, err, "call getPolicy")
	}
	return PolicyMirror{
		MaxSettlementUSDC: out[0].(*big.Int),
		MaxSettlementETH:  out[1].(*big.Int),
		AllowedTokens:     out[2].([]common.Address),
		PolicyHash:        out[3].([32]byte),
		Owner:             out[4].(common.Address),
	}, nil
}

// IsTokenAllowed reads the guard's allow-set membership for token.
func (g *OnChainGuard) IsTokenAllowed(ctx context.Context, token common.Address) (bool, error) {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isTokenAllowed", token); err != nil {
		return false, xerrors.Wrap(CodeGuardCallFailure, err, "call isTokenAllowed")
	}
	return out[0].(bool), nil
}

// IsSettled reads the guard's replay bit for sessionID.
func (g *OnChainGuard) IsSettled(ctx context.Context, sessionID [32]byte) (bool, error) {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isSettled", sessionID); err != nil {
		return false, xerrors.Wrap(CodeGuardCallFailure, err, "call isSettled")
	}
	return out[0].(bool), nil
}

// PolicyHash reads the guard's current fingerprint.
func (g *OnChainGuard) PolicyHash(ctx context.Context) ([32]byte, error) {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "policyHash"); err != nil {
		return [32]byte{}, xerrors.Wrap(CodeGuardCallFailure, err, "call policyHash")
	}
	return out[0].([32]byte), nil
}

// OnChainVault calls a deployed Vault contract.
type OnChainVault struct {
	contract *bind.BoundContract
	address  common.Address
	parsed   abi.ABI
}

// NewOnChainVault parses vaultABI and binds it to address over client.
func NewOnChainVault(client chainBackend, address common.Address) (*OnChainVault, error) {
	parsed, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, xerrors.Wrap(CodeGuardCallFailure, err, "parse vault abi")
	}
	backend := client.ContractBackend()
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &OnChainVault{contract: contract, address: address, parsed: parsed}, nil
}

// Execute sends an execute transaction and returns its target, value and
// transaction hash. It does not decode the Executed event, so Nonce is left
// zero.
func (v *OnChainVault) Execute(ctx context.Context, target common.Address, value *big.Int, data []byte) (Executed, error) {
	opts, err := authFromContext(ctx)
	if err != nil {
		return Executed{}, err
	}
	tx, err := v.contract.Transact(opts, "execute", target, value, data)
	if err != nil {
		return Executed{}, xerrors.Wrap(CodeGuardCallFailure, err, "send execute")
	}
	return Executed{Target: target, Value: value, TxHash: tx.Hash()}, nil
}

// ExecuteBatch sends one execute transaction per triple, in order. vaultABI
// has no executeBatch entry, so the calls are separate transactions and not
// atomic: a failure returns the results of the calls already sent.
func (v *OnChainVault) ExecuteBatch(ctx context.Context, targets []common.Address, values []*big.Int, data [][]byte) ([]Executed, error) {
	if len(targets) != len(values) || len(targets) != len(data) {
		return nil, xerrors.New(CodeGuardCallFailure, "executeBatch: mismatched argument lengths")
	}
	out := make([]Executed, 0, len(targets))
	for i := range targets {
		e, err := v.Execute(ctx, targets[i], values[i], data[i])
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SettleSession sends the settleSession transaction, which on-chain
// re-validates via the guard, marks it settled, and emits SessionSettled
// atomically.
func (v *OnChainVault) SettleSession(ctx context.Context, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (SessionSettled, error) {
	opts, err := authFromContext(ctx)
	if err != nil {
		return SessionSettled{}, err
	}
	tx, err := v.contract.Transact(opts, "settleSession", sessionID, token, usdcDelta, ethDelta)
	if err != nil {
		return SessionSettled{}, xerrors.Wrap(CodeGuardCallFailure, err, "send settleSession")
	}
	return SessionSettled{
		SessionID: sessionID,
		USDCDelta: usdcDelta,
		ETHDelta:  ethDelta,
		TxHash:    tx.Hash(),
	}, nil
}

// ValidateUserOp reads the vault's signature-validation entry point.
func (v *OnChainVault) ValidateUserOp(ctx context.Context, userOpHash [32]byte, signature []byte) (bool, error) {
	var out []interface{}
	if err := v.contract.Call(&bind.CallOpts{Context: ctx}, &out, "validateUserOp", userOpHash, signature); err != nil {
		return false, xerrors.Wrap(CodeGuardCallFailure, err, "call validateUserOp")
	}
	return out[0].(bool), nil
}

// GetNonce reads the vault's replay nonce.
func (v *OnChainVault) GetNonce(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := v.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce"); err != nil {
		return 0, xerrors.Wrap(CodeGuardCallFailure, err, "call getNonce")
	}
	return out[0].(*big.Int).Uint64(), nil
}

// BalanceOf reads the vault's custodied balance of token.
func (v *OnChainVault) BalanceOf(ctx context.Context, token common.Address) (*big.Int, error) {
	var out []interface{}
	if err := v.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", token); err != nil {
		return nil, xerrors.Wrap(CodeGuardCallFailure, err, "call balanceOf")
	}
	return out[0].(*big.Int), nil
}

type transactOptsKey struct{}

// WithTransactOpts attaches the signing options a state-changing call
// should use. The agent's key must never be the signer here: only the
// operator key or the account-abstraction entry point's opts belong in
// this context value.
func WithTransactOpts(ctx context.Context, opts *bind.TransactOpts) context.Context {
	return context.WithValue(ctx, transactOptsKey{}, opts)
}

func authFromContext(ctx context.Context) (*bind.TransactOpts, error) {
	opts, ok := ctx.Value(transactOptsKey{}).(*bind.TransactOpts)
	if !ok || opts == nil {
		return nil, xerrors.New(CodeUnauthorized, "no transact opts in context")
	}
	return opts, nil
}
