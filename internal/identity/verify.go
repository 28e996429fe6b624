package identity

import (
	"context"
	"encoding/hex"

	xerrors "sentinel-kernel/internal/errors"
)

// Verifier performs the resolve -> read-text-record -> compare integrity
// check spec.md §6 describes for policy anchoring.
type Verifier struct {
	Resolver Resolver
	// Strict turns a hash mismatch into a hard failure. The default
	// (false) only warns, matching spec.md §6: "Mismatch is a warning,
	// not a hard fail unless configured strict."
	Strict bool
}

// VerifyResult reports the outcome of one anchoring check.
type VerifyResult struct {
	Name         string
	Address      string
	AnchoredHash string
	LocalHash    string
	Match        bool
}

// Verify resolves name, reads its com.sentinel.policyHash text record, and
// compares it to localHash. A mismatch returns a non-nil error only when
// v.Strict is set; otherwise it returns the result with Match=false and a
// nil error, leaving the caller to log the warning.
func (v *Verifier) Verify(ctx context.Context, name string, localHash [32]byte) (VerifyResult, error) {
	addr, err := v.Resolver.ResolveAddress(ctx, name)
	if err != nil {
		return VerifyResult{}, err
	}
	anchored, err := v.Resolver.Text(ctx, name, PolicyHashKey)
	if err != nil {
		return VerifyResult{}, err
	}

	localHex := "0x" + hex.EncodeToString(localHash[:])
	result := VerifyResult{
		Name:         name,
		Address:      addr.Hex(),
		AnchoredHash: anchored,
		LocalHash:    localHex,
		Match:        anchored == localHex,
	}

	if !result.Match && v.Strict {
		return result, xerrors.New(CodeHashMismatch,
			"anchored policy hash "+anchored+" does not match local hash "+localHex)
	}
	return result, nil
}
