package settlement

import (
	xerrors "sentinel-kernel/internal/errors"
)

// CodeConfirmationFailed means the settlement transaction was submitted
// but its receipt could not be retrieved. (A receipt whose settlement event
// cannot be decoded is not an error: Settle keeps the event the vault
// returned.) The guard's replay map still prevents a
// retried Settle call from double-executing: the guard's settledSessions
// mapping, not this client, is the system's source of truth for replay.
const CodeConfirmationFailed xerrors.Code = "SETTLEMENT_CONFIRMATION_FAILED"

func init() {
	xerrors.Register(CodeConfirmationFailed, xerrors.Attributes{
		Message:   "settlement submitted but confirmation could not be obtained",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
