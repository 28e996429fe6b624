package quote

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"sentinel-kernel/internal/chain"
	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/policy"
)

// quoterABI mirrors the subset of a Uniswap-V3-style QuoterV2 that this
// backend needs: a read-only quoteExactInputSingle call that returns the
// expected output amount, the pool's post-trade sqrtPriceX96, and a gas
// estimate. Calling it against a live quoter never mutates chain state.
const quoterABI = `[{
	"name": "quoteExactInputSingle",
	"type": "function",
	"stateMutability": "view",
	"inputs": [
		{"name": "tokenIn", "type": "address"},
		{"name": "tokenOut", "type": "address"},
		{"name": "amountIn", "type": "uint256"},
		{"name": "sqrtPriceLimitX96", "type": "uint160"}
	],
	"outputs": [
		{"name": "amountOut", "type": "uint256"},
		{"name": "sqrtPriceX96After", "type": "uint160"},
		{"name": "gasEstimate", "type": "uint256"}
	]
}]`

// OnChainBackend calls a deployed quoter contract's read-only
// quoteExactInputSingle function. It never sends a transaction: every call
// is eth_call against the current block.
type OnChainBackend struct {
	client   *chain.Client
	address  common.Address
	abi      abi.ABI
	resolver func(policy.Asset) (common.Address, bool)
}

// NewOnChainBackend constructs a backend that reads quotes from the quoter
// contract at address, using resolver to map policy assets to their token
// contract addresses.
func NewOnChainBackend(client *chain.Client, address common.Address, resolver func(policy.Asset) (common.Address, bool)) (*OnChainBackend, error) {
	parsed, err := abi.JSON(strings.NewReader(quoterABI))
	if err != nil {
		return nil, fmt.Errorf("quote: parse quoter abi: %w", err)
	}
	return &OnChainBackend{client: client, address: address, abi: parsed, resolver: resolver}, nil
}

// Name identifies this backend in quote results and logs.
func (b *OnChainBackend) Name() string { return "on-chain-quoter" }

// Quote packs a quoteExactInputSingle call, executes it as an eth_call
// against the quoter contract, and unpacks the result.
func (b *OnChainBackend) Quote(ctx context.Context, tokenIn, tokenOut policy.Asset, amountIn *big.Int) (Result, error) {
	inAddr, ok := b.resolver(tokenIn)
	if !ok {
		return Result{}, xerrors.New(CodeNoLiquidity, fmt.Sprintf("no token address for %s", tokenIn))
	}
	outAddr, ok := b.resolver(tokenOut)
	if !ok {
		return Result{}, xerrors.New(CodeNoLiquidity, fmt.Sprintf("no token address for %s", tokenOut))
	}

	calldata, err := b.abi.Pack("quoteExactInputSingle", inAddr, outAddr, amountIn, big.NewInt(0))
	if err != nil {
		return Result{}, xerrors.Wrap(CodeUnavailable, err, "pack quoteExactInputSingle")
	}

	out, err := b.client.CallContract(ctx, gethcore.CallMsg{
		To:   &b.address,
		Data: calldata,
	}, nil)
	if err != nil {
		return Result{}, xerrors.Wrap(CodeUnavailable, err, "call quoter contract")
	}

	values, err := b.abi.Unpack("quoteExactInputSingle", out)
	if err != nil {
		return Result{}, xerrors.Wrap(CodeUnavailable, err, "unpack quoter result")
	}
	if len(values) != 3 {
		return Result{}, xerrors.New(CodeUnavailable, "unexpected quoter return arity")
	}

	amountOut, ok := values[0].(*big.Int)
	if !ok {
		return Result{}, xerrors.New(CodeUnavailable, "unexpected amountOut type")
	}
	gasEstimate, ok := values[2].(*big.Int)
	if !ok {
		return Result{}, xerrors.New(CodeUnavailable, "unexpected gasEstimate type")
	}

	return Result{
		EstimatedAmountOut: amountOut,
		PriceImpactBps:     0, // the quoter does not report impact, so this backend always reports zero
		Route:              []string{string(tokenIn), string(tokenOut)},
		EstimatedGas:       gasEstimate.Uint64(),
		Source:             b.Name(),
	}, nil
}
