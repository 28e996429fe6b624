// Package amm implements the local constant-product AMM fallback backend
// for the Quote Oracle: fixed reference reserves per pair and a 30-bps fee,
// computed entirely in integer arithmetic.
package amm

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/policy"
	"sentinel-kernel/internal/quote"
)

// feeBps is the pool fee charged on every swap, in basis points of the
// input amount.
const feeBps = 30

// Pool is a fixed-reserve constant-product pool for one asset pair. It does
// not mutate: every quote is computed against the same reference reserves,
// matching spec's description of the local AMM as a quote source rather
// than an executable venue.
type Pool struct {
	ReserveIn  *big.Int
	ReserveOut *big.Int
}

// Backend is the local constant-product AMM quote backend.
type Backend struct {
	pools map[pairKey]Pool
}

type pairKey struct {
	in, out policy.Asset
}

// New constructs a Backend with no configured pools.
func New() *Backend {
	return &Backend{pools: make(map[pairKey]Pool)}
}

// SetPool configures the reference reserves for tokenIn -> tokenOut. Pools
// are directional: configuring USDC->ETH does not implicitly configure
// ETH->USDC; callers that want a two-sided market set both directions.
func (b *Backend) SetPool(tokenIn, tokenOut policy.Asset, reserveIn, reserveOut *big.Int) {
	b.pools[pairKey{tokenIn, tokenOut}] = Pool{
		ReserveIn:  new(big.Int).Set(reserveIn),
		ReserveOut: new(big.Int).Set(reserveOut),
	}
}

// Name identifies this backend in quote results and logs.
func (b *Backend) Name() string { return "local-amm" }

// Quote computes amountOutAfterFee = (reserveOut * amountInAfterFee) /
// (reserveIn + amountInAfterFee), with amountInAfterFee = amountIn * (1 -
// fee). Price impact is |1 - (amountOut/amountIn) / (reserveOut/reserveIn)|
// in bps, computed with integer ratios only.
func (b *Backend) Quote(_ context.Context, tokenIn, tokenOut policy.Asset, amountIn *big.Int) (quote.Result, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return quote.Result{}, fmt.Errorf("amm: amountIn must be positive")
	}
	pool, ok := b.pools[pairKey{tokenIn, tokenOut}]
	if !ok {
		return quote.Result{}, xerrors.New(quote.CodeNoLiquidity, fmt.Sprintf("%s->%s", tokenIn, tokenOut))
	}

	amountInAfterFee := new(big.Int).Mul(amountIn, big.NewInt(10_000-feeBps))
	amountInAfterFee.Quo(amountInAfterFee, big.NewInt(10_000))

	numerator := new(big.Int).Mul(pool.ReserveOut, amountInAfterFee)
	denominator := new(big.Int).Add(pool.ReserveIn, amountInAfterFee)
	amountOut := new(big.Int).Quo(numerator, denominator)

	impactBps := priceImpactBps(amountIn, amountOut, pool.ReserveIn, pool.ReserveOut)

	return quote.Result{
		EstimatedAmountOut: amountOut,
		PriceImpactBps:     impactBps,
		Route:              []string{string(tokenIn), string(tokenOut)},
		EstimatedGas:       0,
		Source:             b.Name(),
	}, nil
}

// priceImpactBps computes |1 - (amountOut/amountIn) / (reserveOut/reserveIn)|
// in basis points, as a pure integer ratio:
//
//	impact = |reserveIn*amountOut - reserveOut*amountIn| * 10000 / (reserveOut*amountIn)
func priceImpactBps(amountIn, amountOut, reserveIn, reserveOut *big.Int) uint32 {
	lhs := new(big.Int).Mul(reserveIn, amountOut)
	rhs := new(big.Int).Mul(reserveOut, amountIn)
	diff := new(big.Int).Sub(lhs, rhs)
	diff.Abs(diff)

	denom := new(big.Int).Mul(reserveOut, amountIn)
	if denom.Sign() == 0 {
		return 0
	}
	diff.Mul(diff, big.NewInt(10_000))
	diff.Quo(diff, denom)
	if !diff.IsInt64() {
		return ^uint32(0)
	}
	v := diff.Int64()
	if v < 0 {
		v = -v
	}
	if v > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}

// Pairs returns the configured (tokenIn, tokenOut) pairs in deterministic
// order, for diagnostics.
func (b *Backend) Pairs() []string {
	keys := make([]string, 0, len(b.pools))
	for k := range b.pools {
		keys = append(keys, fmt.Sprintf("%s->%s", k.in, k.out))
	}
	sort.Strings(keys)
	return keys
}
