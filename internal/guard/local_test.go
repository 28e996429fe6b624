package guard

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "sentinel-kernel/internal/errors"
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int literal: " + s)
	}
	return v
}

func testPolicy(owner common.Address, usdc common.Address) PolicyMirror {
	return PolicyMirror{
		MaxSettlementUSDC: big.NewInt(1_000_000000),
		MaxSettlementETH:  mustBig("10000000000000000000"),
		AllowedTokens:     []common.Address{usdc},
		PolicyHash:        [32]byte{1, 2, 3},
		Owner:             owner,
	}
}

func TestValidateSettlementRejectsExceededCap(t *testing.T) {
	owner := common.HexToAddress("0x1")
	usdc := common.HexToAddress("0x2")
	g := NewLocalGuard(owner, testPolicy(owner, usdc))

	err := g.ValidateSettlement(context.Background(), [32]byte{9}, usdc, big.NewInt(2_000_000000), big.NewInt(0))
	require.Error(t, err)
	require.Equal(t, CodeSettlementRejected, xerrors.CodeOf(err))
}

func TestValidateSettlementRejectsDisallowedToken(t *testing.T) {
	owner := common.HexToAddress("0x1")
	usdc := common.HexToAddress("0x2")
	other := common.HexToAddress("0x3")
	g := NewLocalGuard(owner, testPolicy(owner, usdc))

	err := g.ValidateSettlement(context.Background(), [32]byte{9}, other, big.NewInt(1_000000), big.NewInt(0))
	require.Error(t, err)
	require.Equal(t, CodeSettlementRejected, xerrors.CodeOf(err))
}

func TestValidateSettlementRejectsAlreadySettled(t *testing.T) {
	owner := common.HexToAddress("0x1")
	usdc := common.HexToAddress("0x2")
	g := NewLocalGuard(owner, testPolicy(owner, usdc))
	sessionID := [32]byte{7}

	require.NoError(t, g.MarkSettled(context.Background(), sessionID))
	err := g.ValidateSettlement(context.Background(), sessionID, usdc, big.NewInt(1_000000), big.NewInt(0))
	require.Error(t, err)
	require.Equal(t, CodeSettlementRejected, xerrors.CodeOf(err))
}

func TestLocalVaultSettleSessionMarksAtomically(t *testing.T) {
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	usdc := common.HexToAddress("0x2")

	g := NewLocalGuard(owner, testPolicy(owner, usdc))
	v := NewLocalVault(ownerKey, g)

	event, err := v.SettleSession(context.Background(), [32]byte{5}, usdc, big.NewInt(1_000000), big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, owner, event.Operator)

	settled, err := g.IsSettled(context.Background(), [32]byte{5})
	require.NoError(t, err)
	require.True(t, settled)

	_, err = v.SettleSession(context.Background(), [32]byte{5}, usdc, big.NewInt(1_000000), big.NewInt(0))
	require.Error(t, err)
	require.Equal(t, CodeSettlementRejected, xerrors.CodeOf(err))
}

func TestLocalVaultExecuteIncrementsNonce(t *testing.T) {
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	g := NewLocalGuard(owner, testPolicy(owner, common.HexToAddress("0x2")))
	v := NewLocalVault(ownerKey, g)

	_, err = v.Execute(context.Background(), common.HexToAddress("0x9"), big.NewInt(0), nil)
	require.NoError(t, err)
	_, err = v.Execute(context.Background(), common.HexToAddress("0x9"), big.NewInt(0), nil)
	require.NoError(t, err)

	nonce, err := v.GetNonce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), nonce)
}

func TestValidateUserOpAcceptsOwnerSignatureOnly(t *testing.T) {
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	g := NewLocalGuard(owner, testPolicy(owner, common.HexToAddress("0x2")))
	v := NewLocalVault(ownerKey, g)

	var userOpHash [32]byte
	copy(userOpHash[:], crypto.Keccak256([]byte("user-op")))
	digest := accounts.TextHash(userOpHash[:])

	ownerSig, err := crypto.Sign(digest, ownerKey)
	require.NoError(t, err)
	ok, err := v.ValidateUserOp(context.Background(), userOpHash, ownerSig)
	require.NoError(t, err)
	require.True(t, ok)

	otherSig, err := crypto.Sign(digest, otherKey)
	require.NoError(t, err)
	ok, err = v.ValidateUserOp(context.Background(), userOpHash, otherSig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdatePolicyReportsHashTransition(t *testing.T) {
	owner := common.HexToAddress("0x1")
	usdc := common.HexToAddress("0x2")
	g := NewLocalGuard(owner, testPolicy(owner, usdc))

	newPolicy := testPolicy(owner, usdc)
	newPolicy.PolicyHash = [32]byte{9, 9, 9}

	update, err := g.UpdatePolicy(context.Background(), newPolicy)
	require.NoError(t, err)
	require.Equal(t, [32]byte{1, 2, 3}, update.OldHash)
	require.Equal(t, [32]byte{9, 9, 9}, update.NewHash)
}
