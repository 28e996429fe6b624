// Package identity implements the kernel's identity & policy anchoring
// (spec.md §6): the agent's human-readable name resolves to an address via
// a standard naming registry, and a reserved text record under that name
// anchors the policy hash currently in force. The naming registry's own
// contract is an external collaborator: this package only implements the
// resolve -> read-text-record -> compare integrity check against it.
package identity

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "sentinel-kernel/internal/errors"
)

// PolicyHashKey is the reserved text-record key under which a resolved
// name's policy hash is published (spec.md §6).
const PolicyHashKey = "com.sentinel.policyHash"

const (
	// CodeResolutionFailure means the naming registry or resolver contract
	// could not be reached or returned malformed data.
	CodeResolutionFailure xerrors.Code = "IDENTITY_RESOLUTION_FAILURE"
	// CodeNotRegistered means the name resolves to the zero address: no
	// resolver has been set for it.
	CodeNotRegistered xerrors.Code = "IDENTITY_NOT_REGISTERED"
	// CodeHashMismatch means the locally computed policy hash disagrees
	// with the anchored text record, and the check is running strict.
	CodeHashMismatch xerrors.Code = "IDENTITY_HASH_MISMATCH"
)

func init() {
	xerrors.Register(CodeResolutionFailure, xerrors.Attributes{
		Message:   "name resolution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeNotRegistered, xerrors.Attributes{
		Message:   "name has no registered resolver",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeHashMismatch, xerrors.Attributes{
		Message:   "anchored policy hash does not match the locally computed hash",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Resolver looks up a human-readable name's address and text records
// against a naming registry. Implementations: OnChainResolver (a real ENS
// deployment) and LocalResolver (an in-memory map for tests and chain-free
// deployments).
type Resolver interface {
	ResolveAddress(ctx context.Context, name string) (common.Address, error)
	Text(ctx context.Context, name, key string) (string, error)
}
