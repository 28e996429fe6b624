package quote

import (
	xerrors "sentinel-kernel/internal/errors"
)

const (
	// CodeNoLiquidity is a proposal error, not a session error: the pair
	// has no configured route on any backend.
	CodeNoLiquidity xerrors.Code = "QUOTE_NO_LIQUIDITY"
	// CodeUnavailable means every configured backend failed; fatal for the
	// calling proposal.
	CodeUnavailable xerrors.Code = "QUOTE_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeNoLiquidity, xerrors.Attributes{
		Message:   "no liquidity for pair",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "quote backends unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
