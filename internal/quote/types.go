// Package quote implements the Quote Oracle (C2): given a token pair and an
// input amount, return the expected output, price impact, and route. Two
// backends are available — a read-only call against an on-chain quoter, and
// a local constant-product AMM — tried in priority order with fallover on
// any backend error.
package quote

import (
	"context"
	"math/big"

	"sentinel-kernel/internal/policy"
)

// Result is what a backend returns for one quote request.
type Result struct {
	EstimatedAmountOut *big.Int
	PriceImpactBps     uint32
	Route              []string
	EstimatedGas       uint64
	Source             string
}

// Oracle is the C2 contract: quote(tokenIn, tokenOut, amountIn).
type Oracle interface {
	Quote(ctx context.Context, tokenIn, tokenOut policy.Asset, amountIn *big.Int) (Result, error)
}

// Backend is one quote source. The composite Oracle tries Backends in
// priority order and falls over to the next one on any error.
type Backend interface {
	Quote(ctx context.Context, tokenIn, tokenOut policy.Asset, amountIn *big.Int) (Result, error)
	Name() string
}
