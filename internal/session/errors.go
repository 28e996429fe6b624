package session

import (
	xerrors "sentinel-kernel/internal/errors"
)

const (
	// CodeStateError marks a call illegal for the session's current
	// status: a programmer error, always fatal for the call.
	CodeStateError xerrors.Code = "SESSION_STATE_ERROR"
	// CodeInsufficientBalance marks a proposal that passed policy but
	// whose input-asset balance cannot cover amountIn.
	CodeInsufficientBalance xerrors.Code = "SESSION_INSUFFICIENT_BALANCE"
	// CodeChannelDegraded marks an open() whose channel transport failed;
	// the session continues in memory-only mode.
	CodeChannelDegraded xerrors.Code = "SESSION_CHANNEL_DEGRADED"
	// CodeChannelTimeout marks an update() channel failure after the
	// in-memory delta has been rolled back; retryable by the caller.
	CodeChannelTimeout xerrors.Code = "SESSION_CHANNEL_TIMEOUT"
	// CodeActionLimitExceeded marks a proposeSwap rejected because the
	// session already reached its configured action cap.
	CodeActionLimitExceeded xerrors.Code = "SESSION_ACTION_LIMIT_EXCEEDED"
	// CodeSessionTimedOut marks a session moved to error status because no
	// swap was accepted within its configured idle timeout.
	CodeSessionTimedOut xerrors.Code = "SESSION_TIMED_OUT"
)

func init() {
	xerrors.Register(CodeStateError, xerrors.Attributes{
		Message:   "illegal session operation for current status",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance for proposed swap",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeChannelDegraded, xerrors.Attributes{
		Message:   "channel transport unavailable at open, continuing in memory-only mode",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeChannelTimeout, xerrors.Attributes{
		Message:   "channel update failed, in-memory delta rolled back",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeActionLimitExceeded, xerrors.Attributes{
		Message:   "session reached its maximum number of accepted actions",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionTimedOut, xerrors.Attributes{
		Message:   "session exceeded its idle timeout with no accepted action",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
