package quote

import (
	"context"
	"math/big"

	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/policy"
	"sentinel-kernel/pkg/logger"
)

// CompositeOracle tries its Backends in priority order, falling over to the
// next one whenever a backend returns an error. It implements Oracle.
type CompositeOracle struct {
	backends []Backend
}

// NewCompositeOracle builds an Oracle from backends listed highest priority
// first. At least one backend is required.
func NewCompositeOracle(backends ...Backend) (*CompositeOracle, error) {
	if len(backends) == 0 {
		return nil, xerrors.New(CodeUnavailable, "no quote backends configured")
	}
	return &CompositeOracle{backends: backends}, nil
}

// Quote tries each backend in order. A CodeNoLiquidity error from one
// backend does not stop the search: it means only that backend has no
// route, not that every backend lacks one. Any other error is logged and
// also falls over. If every backend fails, the outcome follows the last
// backend's error: a CodeNoLiquidity error is returned as is, any other
// error is wrapped in CodeUnavailable.
func (o *CompositeOracle) Quote(ctx context.Context, tokenIn, tokenOut policy.Asset, amountIn *big.Int) (Result, error) {
	var lastErr error
	for _, backend := range o.backends {
		result, err := backend.Quote(ctx, tokenIn, tokenOut, amountIn)
		if err == nil {
			return result, nil
		}
		lastErr = err
		logger.L().Warn("quote backend failed, falling over",
			"backend", backend.Name(),
			"tokenIn", tokenIn,
			"tokenOut", tokenOut,
			"error", err,
		)
	}
	if lastErr != nil {
		if xerrors.CodeOf(lastErr) == CodeNoLiquidity {
			return Result{}, lastErr
		}
		return Result{}, xerrors.Wrap(CodeUnavailable, lastErr, "all quote backends exhausted")
	}
	return Result{}, xerrors.New(CodeUnavailable, "no quote backends configured")
}
