package channel

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/policy"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	counterpartyKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	counterpartyAddr := crypto.PubkeyToAddress(counterpartyKey.PublicKey)
	transport := NewLocalSigner(counterpartyKey)
	return NewLedger(operatorKey, counterpartyAddr, transport)
}

func initialBalances() Balances {
	return Balances{
		policy.USDC: big.NewInt(1_000_000000),
		policy.ETH:  big.NewInt(0),
	}
}

func TestOpenProducesTurnZeroRunningChannel(t *testing.T) {
	ledger := newTestLedger(t)
	session, err := ledger.Open(context.Background(), "chan-1", initialBalances())
	require.NoError(t, err)
	require.Equal(t, StatusRunning, session.Status)
	require.Equal(t, uint64(0), session.Current.TurnNum)
	require.Len(t, session.History, 1)
	require.Len(t, session.Current.Signatures, 2)
}

func TestUpdateIncrementsTurnAndMaintainsHistoryInvariant(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.Open(context.Background(), "chan-1", initialBalances())
	require.NoError(t, err)

	next := initialBalances()
	next[policy.USDC] = big.NewInt(980_000000)
	next[policy.ETH] = big.NewInt(7976060000000000)

	state, err := ledger.Update(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.TurnNum)

	session, ok := ledger.GetChannel()
	require.True(t, ok)
	require.Len(t, session.History, 2)
	require.Equal(t, uint64(len(session.History)-1), session.Current.TurnNum)
}

func TestUpdateBeforeOpenIsStateError(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.Update(context.Background(), initialBalances())
	require.Error(t, err)
}

func TestCloseTransitionsToFinalizedAndRejectsFurtherUpdates(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.Open(context.Background(), "chan-1", initialBalances())
	require.NoError(t, err)

	session, err := ledger.Close(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, session.Status)
	require.NotNil(t, session.ClosedAt)
	require.Len(t, session.History, 2) // open + final

	_, err = ledger.Update(context.Background(), initialBalances())
	require.Error(t, err)
}

func TestOpenAfterFinalizedStartsFreshSession(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.Open(context.Background(), "chan-1", initialBalances())
	require.NoError(t, err)
	_, err = ledger.Close(context.Background())
	require.NoError(t, err)

	session, err := ledger.Open(context.Background(), "chan-2", initialBalances())
	require.NoError(t, err)
	require.Equal(t, "chan-2", session.ChannelID)
	require.Equal(t, uint64(0), session.Current.TurnNum)
}

func TestRejectsForgedCounterpartySignature(t *testing.T) {
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	realCounterpartyKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	wrongKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	counterpartyAddr := crypto.PubkeyToAddress(realCounterpartyKey.PublicKey)
	// the transport signs with the wrong key, simulating a forged or
	// misrouted counterparty signature.
	forgedTransport := NewLocalSigner(wrongKey)
	ledger := NewLedger(operatorKey, counterpartyAddr, forgedTransport)

	_, err = ledger.Open(context.Background(), "chan-1", initialBalances())
	require.Error(t, err)
	require.Equal(t, CodeSignatureMismatch, xerrors.CodeOf(err))
}

func TestUpdateIsIdempotentWhenRetriedWithSameTargetBalances(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.Open(context.Background(), "chan-1", initialBalances())
	require.NoError(t, err)

	next := initialBalances()
	next[policy.USDC] = big.NewInt(990_000000)

	first, err := ledger.Update(context.Background(), next)
	require.NoError(t, err)

	// Simulate the caller retrying the same logical update after an
	// ambiguous ack: the requested target balances are unchanged.
	retry := initialBalances()
	retry[policy.USDC] = big.NewInt(990_000000)
	second, err := ledger.Update(context.Background(), retry)
	require.NoError(t, err)

	require.Equal(t, first.StateHash, second.StateHash)
	require.Equal(t, first.TurnNum, second.TurnNum)

	session, ok := ledger.GetChannel()
	require.True(t, ok)
	require.Len(t, session.History, 2, "a retried no-op update must not mint a new turn")
}
