package quote

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/policy"
)

type stubBackend struct {
	name   string
	result Result
	err    error
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Quote(_ context.Context, _, _ policy.Asset, _ *big.Int) (Result, error) {
	return s.result, s.err
}

func TestCompositeOracleUsesFirstSuccessfulBackend(t *testing.T) {
	primary := &stubBackend{name: "primary", result: Result{EstimatedAmountOut: big.NewInt(100), Source: "primary"}}
	secondary := &stubBackend{name: "secondary", result: Result{EstimatedAmountOut: big.NewInt(999), Source: "secondary"}}

	oracle, err := NewCompositeOracle(primary, secondary)
	require.NoError(t, err)

	result, err := oracle.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, "primary", result.Source)
}

func TestCompositeOracleFallsOverOnError(t *testing.T) {
	primary := &stubBackend{name: "primary", err: xerrors.New(CodeUnavailable, "rpc down")}
	secondary := &stubBackend{name: "secondary", result: Result{EstimatedAmountOut: big.NewInt(42), Source: "secondary"}}

	oracle, err := NewCompositeOracle(primary, secondary)
	require.NoError(t, err)

	result, err := oracle.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, "secondary", result.Source)
}

func TestCompositeOracleNoLiquidityFallsOverToo(t *testing.T) {
	primary := &stubBackend{name: "primary", err: xerrors.New(CodeNoLiquidity, "no route")}
	secondary := &stubBackend{name: "secondary", result: Result{EstimatedAmountOut: big.NewInt(7), Source: "secondary"}}

	oracle, err := NewCompositeOracle(primary, secondary)
	require.NoError(t, err)

	result, err := oracle.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, "secondary", result.Source)
}

func TestCompositeOracleReturnsNoLiquidityWhenAllLackRoute(t *testing.T) {
	primary := &stubBackend{name: "primary", err: xerrors.New(CodeNoLiquidity, "no route")}
	secondary := &stubBackend{name: "secondary", err: xerrors.New(CodeNoLiquidity, "no route")}

	oracle, err := NewCompositeOracle(primary, secondary)
	require.NoError(t, err)

	_, err = oracle.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(1))
	require.Error(t, err)
	require.Equal(t, CodeNoLiquidity, xerrors.CodeOf(err))
}

func TestCompositeOracleUnavailableWhenAllFail(t *testing.T) {
	primary := &stubBackend{name: "primary", err: xerrors.New(CodeUnavailable, "rpc down")}
	secondary := &stubBackend{name: "secondary", err: xerrors.New(CodeUnavailable, "rpc also down")}

	oracle, err := NewCompositeOracle(primary, secondary)
	require.NoError(t, err)

	_, err = oracle.Quote(context.Background(), policy.USDC, policy.ETH, big.NewInt(1))
	require.Error(t, err)
	require.Equal(t, CodeUnavailable, xerrors.CodeOf(err))
}

func TestNewCompositeOracleRequiresAtLeastOneBackend(t *testing.T) {
	_, err := NewCompositeOracle()
	require.Error(t, err)
}
