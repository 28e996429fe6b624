package channel

import (
	xerrors "sentinel-kernel/internal/errors"
)

const (
	// CodeStateError marks an illegal call for the channel's current
	// status: open on a running channel, update/close on anything but
	// running, and so on.
	CodeStateError xerrors.Code = "CHANNEL_STATE_ERROR"
	// CodeSignatureMismatch marks a state whose signature did not recover
	// to the expected participant address. The channel remains at its
	// prior turn; no rollback of already-accepted states is attempted.
	CodeSignatureMismatch xerrors.Code = "CHANNEL_SIGNATURE_MISMATCH"
)

func init() {
	xerrors.Register(CodeStateError, xerrors.Attributes{
		Message:   "illegal channel operation for current status",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSignatureMismatch, xerrors.Attributes{
		Message:   "channel state signature did not recover to expected participant",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
