package guard

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "sentinel-kernel/internal/errors"
)

// LocalGuard is an in-process reference implementation of Guard, used for
// tests and for single-operator deployments that settle without a chain
// dependency. It enforces exactly the invariants the on-chain guard would:
// per-session replay protection and per-asset settlement caps.
type LocalGuard struct {
	mu      sync.Mutex
	policy  PolicyMirror
	settled map[[32]byte]bool
	owner   common.Address
}

// NewLocalGuard constructs a LocalGuard seeded with policy and recording
// owner as the policy's owner. The owner is not checked on any call.
func NewLocalGuard(owner common.Address, policy PolicyMirror) *LocalGuard {
	policy.Owner = owner
	return &LocalGuard{
		policy:  policy,
		settled: make(map[[32]byte]bool),
		owner:   owner,
	}
}

// ValidateSettlement fails if the session is already settled, either cap is
// exceeded, or a nonzero usdcAmount names a token outside the allow-set.
func (g *LocalGuard) ValidateSettlement(_ context.Context, sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.settled[sessionID] {
		return xerrors.New(CodeSettlementRejected, "session already settled")
	}
	if usdcAmount != nil && usdcAmount.Cmp(g.policy.MaxSettlementUSDC) > 0 {
		return xerrors.New(CodeSettlementRejected,
			fmt.Sprintf("usdcAmount %s exceeds maxSettlementUsdc %s", usdcAmount, g.policy.MaxSettlementUSDC))
	}
	if ethAmount != nil && ethAmount.Cmp(g.policy.MaxSettlementETH) > 0 {
		return xerrors.New(CodeSettlementRejected,
			fmt.Sprintf("ethAmount %s exceeds maxSettlementEth %s", ethAmount, g.policy.MaxSettlementETH))
	}
	if usdcAmount != nil && usdcAmount.Sign() > 0 && !g.policy.allows(token) {
		return xerrors.New(CodeSettlementRejected, fmt.Sprintf("token %s is not allowed", token))
	}
	return nil
}

// MarkSettled flips the replay bit for sessionID. Idempotent: marking an
// already-settled session again is a no-op, matching the semantics a real
// contract would enforce by simply never being called twice in one
// SettleSession transaction.
func (g *LocalGuard) MarkSettled(_ context.Context, sessionID [32]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settled[sessionID] = true
	return nil
}

// UpdatePolicy replaces the policy mirror and reports the hash transition.
// It takes no caller identity and performs no owner check: any holder of
// the LocalGuard can replace the policy. The recorded owner is carried over
// onto the new mirror.
func (g *LocalGuard) UpdatePolicy(_ context.Context, newPolicy PolicyMirror) (PolicyUpdated, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	oldHash := g.policy.PolicyHash
	newPolicy.Owner = g.owner
	g.policy = newPolicy

	return PolicyUpdated{OldHash: oldHash, NewHash: newPolicy.PolicyHash}, nil
}

// GetPolicy returns the current policy mirror.
func (g *LocalGuard) GetPolicy(context.Context) (PolicyMirror, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy, nil
}

// IsTokenAllowed reports whether token is in the guard's allow-set.
func (g *LocalGuard) IsTokenAllowed(_ context.Context, token common.Address) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.allows(token), nil
}

// IsSettled reports whether sessionID has already been marked settled.
func (g *LocalGuard) IsSettled(_ context.Context, sessionID [32]byte) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settled[sessionID], nil
}

// PolicyHash returns the current policy's fingerprint.
func (g *LocalGuard) PolicyHash(context.Context) ([32]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.PolicyHash, nil
}

// LocalVault is an in-process reference implementation of Vault. The
// agent's key never appears here in any role: the vault is owned by
// ownerKey (the operator). Execute itself performs no caller check.
type LocalVault struct {
	mu      sync.Mutex
	ownerKey *ecdsa.PrivateKey
	owner    common.Address
	guard    Guard
	nonce    uint64
	balances map[common.Address]*big.Int
}

// NewLocalVault constructs a LocalVault owned by ownerKey, backed by guard
// for settlement validation and replay marking.
func NewLocalVault(ownerKey *ecdsa.PrivateKey, guard Guard) *LocalVault {
	return &LocalVault{
		ownerKey: ownerKey,
		owner:    crypto.PubkeyToAddress(ownerKey.PublicKey),
		guard:    guard,
		balances: make(map[common.Address]*big.Int),
	}
}

// Fund credits the vault's local balance ledger for token, for test setup.
func (v *LocalVault) Fund(token common.Address, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur, ok := v.balances[token]
	if !ok {
		cur = big.NewInt(0)
	}
	v.balances[token] = new(big.Int).Add(cur, amount)
}

// Execute increments the nonce and records the call. In this in-process
// reference implementation, target/data are recorded but not dispatched:
// the caller is expected to be the owner, verified at the call site by the
// process boundary itself (a real deployed Vault checks msg.sender).
func (v *LocalVault) Execute(_ context.Context, target common.Address, value *big.Int, data []byte) (Executed, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nonce++
	return Executed{Target: target, Value: value, Nonce: v.nonce}, nil
}

// ExecuteBatch calls Execute for each (target, value, data) triple in
// order, each consuming one nonce.
func (v *LocalVault) ExecuteBatch(ctx context.Context, targets []common.Address, values []*big.Int, data [][]byte) ([]Executed, error) {
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

// SettleSession validates against the guard, marks it settled, and returns
// the settlement event; the vault's local balance ledger is not changed. Validation and
// marking happen under the same lock, matching the "atomic in the same
// transaction" invariant of the on-chain contract.
func (v *LocalVault) SettleSession(ctx context.Context, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (SessionSettled, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guard.ValidateSettlement(ctx, sessionID, token, usdcDelta, ethDelta); err != nil {
		return SessionSettled{}, err
	}
	if err := v.guard.MarkSettled(ctx, sessionID); err != nil {
		return SessionSettled{}, xerrors.Wrap(CodeGuardCallFailure, err, "mark session settled")
	}

	event := SessionSettled{
		SessionID: sessionID,
		Operator:  v.owner,
		USDCDelta: usdcDelta,
		ETHDelta:  ethDelta,
		Timestamp: time.Now().UTC().Unix(),
	}
	return event, nil
}

// ValidateUserOp recovers the signer from the personal-prefixed digest of
// userOpHash and reports whether it is the vault's owner.
func (v *LocalVault) ValidateUserOp(_ context.Context, userOpHash [32]byte, signature []byte) (bool, error) {
	if len(signature) != crypto.SignatureLength {
		return false, xerrors.New(CodeGuardCallFailure, "malformed user operation signature")
	}
	digest := accounts.TextHash(userOpHash[:])
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return false, xerrors.Wrap(CodeGuardCallFailure, err, "recover user operation signer")
	}
	return crypto.PubkeyToAddress(*pub) == v.owner, nil
}

// GetNonce returns the vault's current execution nonce.
func (v *LocalVault) GetNonce(context.Context) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nonce, nil
}

// BalanceOf returns the vault's locally tracked balance for token.
func (v *LocalVault) BalanceOf(_ context.Context, token common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.balances[token]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}
