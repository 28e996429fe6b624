package mcptool

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"sentinel-kernel/internal/audit"
	"sentinel-kernel/internal/channel"
	"sentinel-kernel/internal/guard"
	"sentinel-kernel/internal/policy"
	"sentinel-kernel/internal/quote"
	"sentinel-kernel/internal/session"
	"sentinel-kernel/internal/settlement"
)

type stubOracle struct {
	amountOut *big.Int
}

func (s *stubOracle) Quote(_ context.Context, _, _ policy.Asset, _ *big.Int) (quote.Result, error) {
	return quote.Result{EstimatedAmountOut: s.amountOut, PriceImpactBps: 5, Source: "stub"}, nil
}

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	engine, err := policy.NewEngine(policy.Config{
		MaxTradeBps:    2_000,
		MaxSlippageBps: 100,
		AllowedDexes:   []string{"default-venue"},
		AllowedAssets:  []policy.Asset{policy.USDC, policy.ETH},
	})
	require.NoError(t, err)

	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	counterpartyKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	counterpartyAddr := crypto.PubkeyToAddress(counterpartyKey.PublicKey)

	manager, err := session.New(session.Config{
		Engine:       engine,
		Oracle:       &stubOracle{amountOut: big.NewInt(200_000000000000000)},
		Lock:         session.NewMemoryLock(),
		AuditLog:     audit.NewLog(1000),
		OperatorKey:  operatorKey,
		Counterparty: counterpartyAddr,
		NewTransport: func(string) channel.CounterpartyTransport {
			return channel.NewLocalSigner(counterpartyKey)
		},
	})
	require.NoError(t, err)
	return manager
}

func TestGetSessionBalanceReturnsSummary(t *testing.T) {
	manager := newTestManager(t)
	state, err := manager.Open(context.Background(), big.NewInt(1_000_000000))
	require.NoError(t, err)

	tool := New(manager, nil, state.SessionID)
	resp := tool.GetSessionBalance(context.Background(), GetSessionBalanceRequest{Asset: policy.USDC})
	require.True(t, resp.Success)

	summary, ok := resp.Data.(SessionSummary)
	require.True(t, ok)
	require.Equal(t, state.SessionID, summary.SessionID)
	require.Len(t, summary.Balances, 2)
}

func TestSimulateSwapDoesNotMutateBalance(t *testing.T) {
	manager := newTestManager(t)
	state, err := manager.Open(context.Background(), big.NewInt(1_000_000000))
	require.NoError(t, err)

	tool := New(manager, nil, state.SessionID)
	resp := tool.SimulateSwap(context.Background(), SimulateSwapRequest{
		TokenIn:  policy.USDC,
		TokenOut: policy.ETH,
		Amount:   "100",
	})
	require.True(t, resp.Success)
	require.NotNil(t, resp.PolicyDecision)

	after, err := manager.Get(state.SessionID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000000), after.Balances[policy.USDC].Amount)
}

func TestProposeSwapAcceptedUpdatesBalance(t *testing.T) {
	manager := newTestManager(t)
	state, err := manager.Open(context.Background(), big.NewInt(1_000_000000))
	require.NoError(t, err)

	tool := New(manager, nil, state.SessionID)
	resp := tool.ProposeSwap(context.Background(), ProposeSwapRequest{
		TokenIn:  policy.USDC,
		TokenOut: policy.ETH,
		Amount:   "100",
	})
	require.True(t, resp.Success)
	require.True(t, resp.PolicyDecision.Approved)

	after, err := manager.Get(state.SessionID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(900_000000), after.Balances[policy.USDC].Amount)
}

func TestProposeSwapRejectedReportsDecisionWithoutError(t *testing.T) {
	manager := newTestManager(t)
	state, err := manager.Open(context.Background(), big.NewInt(1_000_000000))
	require.NoError(t, err)

	tool := New(manager, nil, state.SessionID)
	// A trade this large exceeds the 20% max-trade-size rule.
	resp := tool.ProposeSwap(context.Background(), ProposeSwapRequest{
		TokenIn:  policy.USDC,
		TokenOut: policy.ETH,
		Amount:   "500",
	})
	require.False(t, resp.Success)
	require.False(t, resp.PolicyDecision.Approved)

	after, err := manager.Get(state.SessionID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000000), after.Balances[policy.USDC].Amount)
}

func TestCloseSessionAndSettleSettlesFinalBalances(t *testing.T) {
	manager := newTestManager(t)
	state, err := manager.Open(context.Background(), big.NewInt(1_000_000000))
	require.NoError(t, err)

	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	usdcMeta, _ := policy.Meta(policy.USDC)

	g := guard.NewLocalGuard(owner, guard.PolicyMirror{
		MaxSettlementUSDC: big.NewInt(10_000_000000),
		MaxSettlementETH:  big.NewInt(1_000000000000000000),
		AllowedTokens:     []common.Address{usdcMeta.Address},
		PolicyHash:        [32]byte{1},
	})
	v := guard.NewLocalVault(ownerKey, g)
	settleClient := settlement.New(g, v, nil)

	tool := New(manager, settleClient, state.SessionID)
	resp := tool.CloseSessionAndSettle(context.Background(), struct{}{})
	require.True(t, resp.Success)

	final, err := manager.Get(state.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.StatusSettled, final.Status)
}
