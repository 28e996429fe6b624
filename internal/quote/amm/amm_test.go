package amm

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"sentinel-kernel/internal/policy"
)

func TestQuoteMatchesReferenceScenario(t *testing.T) {
	b := New()
	b.SetPool(policy.USDC, policy.ETH, big.NewInt(2_500_000_000000), new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1_000000000000000000)))

	result, err := b.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(20_000000))
	require.NoError(t, err)
	require.Equal(t, "local-amm", result.Source)
	require.Positive(t, result.EstimatedAmountOut.Sign())
	require.Less(t, result.PriceImpactBps, uint32(100))
}

func TestQuoteNoLiquidityForUnconfiguredPair(t *testing.T) {
	b := New()
	_, err := b.Quote(context.Background(), policy.ETH, policy.USDC, big.NewInt(1))
	require.Error(t, err)
}

func TestQuoteRejectsNonPositiveAmount(t *testing.T) {
	b := New()
	b.SetPool(policy.USDC, policy.ETH, big.NewInt(1000), big.NewInt(1000))
	_, err := b.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(0))
	require.Error(t, err)
}

func TestLargerTradeHasHigherPriceImpact(t *testing.T) {
	b := New()
	b.SetPool(policy.USDC, policy.ETH, big.NewInt(2_500_000_000000), big.NewInt(1_000000000000000000))

	small, err := b.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(20_000000))
	require.NoError(t, err)
	large, err := b.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(500_000_000000))
	require.NoError(t, err)

	require.Greater(t, large.PriceImpactBps, small.PriceImpactBps)
}

func TestPairsSortedAndDirectional(t *testing.T) {
	b := New()
	b.SetPool(policy.USDC, policy.ETH, big.NewInt(1), big.NewInt(1))
	require.Equal(t, []string{"USDC->ETH"}, b.Pairs())

	_, err := b.Quote(context.Background(), policy.ETH, policy.USDC, big.NewInt(1))
	require.Error(t, err, "configuring one direction must not implicitly configure the reverse")
}
