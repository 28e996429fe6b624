package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"sentinel-kernel/internal/channel"
	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/guard"
	"sentinel-kernel/internal/policy"
)

func finalSessionFixture() *channel.Session {
	return &channel.Session{
		ChannelID: "session-settle-1",
		Status:    channel.StatusClosing,
		Participants: [2]common.Address{
			common.HexToAddress("0x1111"),
			common.HexToAddress("0x2222"),
		},
		Current: channel.State{
			ChannelID: "session-settle-1",
			TurnNum:   3,
			Balances: channel.Balances{
				policy.USDC: big.NewInt(500_000000),
				policy.ETH:  big.NewInt(0),
			},
			Timestamp: time.Now().UTC(),
		},
	}
}

func testGuardAndVault(t *testing.T, maxUSDC *big.Int) (*guard.LocalGuard, *guard.LocalVault) {
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	usdcMeta, _ := policy.Meta(policy.USDC)

	g := guard.NewLocalGuard(owner, guard.PolicyMirror{
		MaxSettlementUSDC: maxUSDC,
		MaxSettlementETH:  big.NewInt(1_000000000000000000),
		AllowedTokens:     []common.Address{usdcMeta.Address},
		PolicyHash:        [32]byte{1},
	})
	v := guard.NewLocalVault(ownerKey, g)
	return g, v
}

func TestSettleHappyPathReturnsRecord(t *testing.T) {
	g, v := testGuardAndVault(t, big.NewInt(1_000_000000))
	client := New(g, v, nil)

	session := finalSessionFixture()
	record, err := client.Settle(context.Background(), session, big.NewInt(500_000000), big.NewInt(0))
	require.NoError(t, err)

	require.Equal(t, session.ChannelID, record.SessionID)
	require.Equal(t, session.Participants[1], record.WalletAddress)
	require.Equal(t, big.NewInt(500_000000), record.Balances[policy.USDC])

	sessionID := sessionDigest(session.ChannelID)
	settled, err := g.IsSettled(context.Background(), sessionID)
	require.NoError(t, err)
	require.True(t, settled)
}

// TestSettleEventDeltaIsTheChangeNotTheAbsoluteBalance exercises spec
// scenario 7 directly: a session opened with 1000 USDC and closed holding
// 700 USDC must settle a usdcDelta of the 300 USDC spent, not the 700
// remaining.
func TestSettleEventDeltaIsTheChangeNotTheAbsoluteBalance(t *testing.T) {
	g, v := testGuardAndVault(t, big.NewInt(1_000_000000))
	spyVault := &eventCapturingVault{LocalVault: v}
	client := New(g, spyVault, nil)

	session := finalSessionFixture()
	session.Current.Balances[policy.USDC] = big.NewInt(700_000000)
	session.Current.Balances[policy.ETH] = big.NewInt(42)

	_, err := client.Settle(context.Background(), session, big.NewInt(1_000_000000), big.NewInt(0))
	require.NoError(t, err)

	require.Equal(t, big.NewInt(300_000000), spyVault.lastEvent.USDCDelta)
	require.Equal(t, big.NewInt(42), spyVault.lastEvent.ETHDelta)
}

type eventCapturingVault struct {
	*guard.LocalVault
	lastEvent guard.SessionSettled
}

func (v *eventCapturingVault) SettleSession(ctx context.Context, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (guard.SessionSettled, error) {
	event, err := v.LocalVault.SettleSession(ctx, sessionID, token, usdcDelta, ethDelta)
	if err != nil {
		return event, err
	}
	v.lastEvent = event
	return event, nil
}

func TestSettlePreValidationRejectionIsTerminalAndUnmarked(t *testing.T) {
	g, v := testGuardAndVault(t, big.NewInt(1_000000)) // cap far below the session's balance
	client := New(g, v, nil)

	session := finalSessionFixture()
	_, err := client.Settle(context.Background(), session, big.NewInt(500_000000), big.NewInt(0))
	require.Error(t, err)
	require.Equal(t, guard.CodeSettlementRejected, xerrors.CodeOf(err))

	sessionID := sessionDigest(session.ChannelID)
	settled, err := g.IsSettled(context.Background(), sessionID)
	require.NoError(t, err)
	require.False(t, settled, "a rejected pre-validation must never mark the session settled")
}

// vaultWithTxHash wraps a LocalVault so SettleSession returns a nonzero
// TxHash, exercising the confirmation-wait branch that a real on-chain
// vault's submission would take.
type vaultWithTxHash struct {
	*guard.LocalVault
}

func (v *vaultWithTxHash) SettleSession(ctx context.Context, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (guard.SessionSettled, error) {
	event, err := v.LocalVault.SettleSession(ctx, sessionID, token, usdcDelta, ethDelta)
	if err != nil {
		return event, err
	}
	event.TxHash = common.HexToHash("0xaa")
	return event, nil
}

type erroringReceiptWaiter struct{}

func (erroringReceiptWaiter) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, errors.New("connection reset by peer")
}

func TestSettleRetryAfterConfirmationFailureIsIdempotent(t *testing.T) {
	g, v := testGuardAndVault(t, big.NewInt(1_000_000000))
	wrapped := &vaultWithTxHash{LocalVault: v}
	client := New(g, wrapped, erroringReceiptWaiter{})

	session := finalSessionFixture()

	_, err := client.Settle(context.Background(), session, big.NewInt(500_000000), big.NewInt(0))
	require.Error(t, err)
	require.Equal(t, CodeConfirmationFailed, xerrors.CodeOf(err))

	// The vault already marked the session settled before the receipt
	// wait failed. A caller retrying the close sees a terminal rejection,
	// not a second settlement: the guard's replay map, not this client,
	// is what makes the retry safe.
	_, err = client.Settle(context.Background(), session, big.NewInt(500_000000), big.NewInt(0))
	require.Error(t, err)
	require.Equal(t, guard.CodeSettlementRejected, xerrors.CodeOf(err))
}
