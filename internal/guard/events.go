package guard

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "sentinel-kernel/internal/errors"
)

var vaultParsedABI = mustParseABI(vaultABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// DecodeSessionSettled decodes a SessionSettled log emitted by a deployed
// Vault, as found in a settleSession transaction's receipt (spec.md §4.6).
func DecodeSessionSettled(log coretypes.Log) (SessionSettled, error) {
	event := vaultParsedABI.Events["SessionSettled"]
	if len(log.Topics) < 3 {
		return SessionSettled{}, xerrors.New(CodeGuardCallFailure, "SessionSettled log missing indexed topics")
	}

	var data struct {
		USDCDelta *big.Int
		ETHDelta  *big.Int
		Timestamp *big.Int
	}
	if err := vaultParsedABI.UnpackIntoInterface(&data, event.Name, log.Data); err != nil {
		return SessionSettled{}, xerrors.Wrap(CodeGuardCallFailure, err, "unpack SessionSettled")
	}

	var sessionID [32]byte
	copy(sessionID[:], log.Topics[1].Bytes())
	operator := common.BytesToAddress(log.Topics[2].Bytes())

	return SessionSettled{
		SessionID: sessionID,
		Operator:  operator,
		USDCDelta: data.USDCDelta,
		ETHDelta:  data.ETHDelta,
		Timestamp: data.Timestamp.Int64(),
		TxHash:    log.TxHash,
		BlockNum:  log.BlockNumber,
	}, nil
}

// DecodeExecuted decodes an Executed log emitted by a deployed Vault.
func DecodeExecuted(log coretypes.Log) (Executed, error) {
	if len(log.Topics) < 2 {
		return Executed{}, xerrors.New(CodeGuardCallFailure, "Executed log missing indexed topic")
	}
	var data struct {
		Value *big.Int
		Nonce *big.Int
	}
	if err := vaultParsedABI.UnpackIntoInterface(&data, "Executed", log.Data); err != nil {
		return Executed{}, xerrors.Wrap(CodeGuardCallFailure, err, "unpack Executed")
	}
	return Executed{
		Target: common.BytesToAddress(log.Topics[1].Bytes()),
		Value:  data.Value,
		Nonce:  data.Nonce.Uint64(),
		TxHash: log.TxHash,
	}, nil
}

// DecodePolicyUpdated decodes a PolicyUpdated log emitted by a deployed
// PolicyGuard.
func DecodePolicyUpdated(log coretypes.Log) (PolicyUpdated, error) {
	if len(log.Topics) < 3 {
		return PolicyUpdated{}, xerrors.New(CodeGuardCallFailure, "PolicyUpdated log missing indexed topics")
	}
	var oldHash, newHash [32]byte
	copy(oldHash[:], log.Topics[1].Bytes())
	copy(newHash[:], log.Topics[2].Bytes())
	return PolicyUpdated{OldHash: oldHash, NewHash: newHash, TxHash: log.TxHash}, nil
}
