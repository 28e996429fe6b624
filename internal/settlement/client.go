package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"sentinel-kernel/internal/channel"
	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/guard"
	"sentinel-kernel/internal/observability/alerting"
	"sentinel-kernel/internal/policy"
)

// receiptWaiter is the subset of internal/chain.Client the on-chain path
// needs: wait for one confirmation and read back the logs it produced.
// Left nil for the in-process guard.LocalVault path, whose SettleSession
// already returns a fully-formed event with no separate confirmation step.
type receiptWaiter interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Client is the Settlement Client (C5). It never owns balance or channel
// state: it holds only the guard/vault handles needed to submit a final
// session and the chain handle needed to await confirmation.
type Client struct {
	guard   guard.Guard
	vault   guard.Vault
	chain   receiptWaiter
	alerter alerting.Dispatcher
}

// New constructs a Client. chain may be nil when vault is a guard.LocalVault
// or other implementation that confirms synchronously.
func New(g guard.Guard, v guard.Vault, chain receiptWaiter) *Client {
	return &Client{guard: g, vault: v, chain: chain}
}

// WithAlerter attaches a dispatcher that receives an alerting.Event for any
// error Settle returns whose registered code is alert-worthy (confirmation
// failures, guard call failures). Returns c for chaining at construction.
func (c *Client) WithAlerter(d alerting.Dispatcher) *Client {
	c.alerter = d
	return c
}

// sessionDigest encodes a session id as the 256-bit value the guard and
// vault key their replay state on (spec.md §4.5: "a keccak of the UTF-8
// session id suffices").
func sessionDigest(sessionID string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(sessionID)))
}

// Settle encodes finalSession's balances, pre-validates against the guard,
// submits the settlement, waits for one confirmation when running against
// a real chain, and returns the resulting record. initialUSDC/initialETH
// are the session's balances at open, used only to derive the usdcDelta/
// ethDelta the settlement event carries: the guard's cap check still runs
// against the absolute final balances.
//
// A pre-validation failure is terminal for this close attempt: the caller
// should leave the session in closing and surface the error, not retry.
// A failure after submission (dropped receipt, reorg past the wait depth)
// may be retried: the guard's settledSessions replay map makes a retried
// Settle call idempotent, since the retry's own pre-validation will see
// the session already settled and reject rather than double-spend.
func (c *Client) Settle(ctx context.Context, finalSession *channel.Session, initialUSDC, initialETH *big.Int) (Record, error) {
	sessionID := sessionDigest(finalSession.ChannelID)
	wallet := finalSession.Participants[1]

	usdcAmount := balanceFor(finalSession.Current.Balances, policy.USDC)
	ethAmount := balanceFor(finalSession.Current.Balances, policy.ETH)
	usdcMeta, _ := policy.Meta(policy.USDC)

	if err := c.guard.ValidateSettlement(ctx, sessionID, usdcMeta.Address, usdcAmount, ethAmount); err != nil {
		return Record{}, err
	}

	usdcDelta := absDiff(initialUSDC, usdcAmount)
	ethDelta := absDiff(initialETH, ethAmount)

	event, err := c.vault.SettleSession(ctx, sessionID, usdcMeta.Address, usdcDelta, ethDelta)
	if err != nil {
		wrapped := xerrors.Wrap(guard.CodeGuardCallFailure, err, "submit settlement")
		c.alert(ctx, wrapped, finalSession.ChannelID)
		return Record{}, wrapped
	}

	blockNumber := event.BlockNum
	txHash := event.TxHash
	timestamp := time.Unix(event.Timestamp, 0).UTC()

	if c.chain != nil && txHash != (common.Hash{}) {
		receipt, err := c.chain.TransactionReceipt(ctx, txHash)
		if err != nil {
			wrapped := xerrors.Wrap(CodeConfirmationFailed, err, "await settlement confirmation")
			c.alert(ctx, wrapped, finalSession.ChannelID)
			return Record{}, wrapped
		}
		blockNumber = receipt.BlockNumber.Uint64()
		for _, log := range receipt.Logs {
			decoded, derr := guard.DecodeSessionSettled(*log)
			if derr == nil && decoded.SessionID == sessionID {
				event = decoded
				break
			}
		}
	}

	return Record{
		SessionID:     finalSession.ChannelID,
		WalletAddress: wallet,
		Balances:      cloneBalances(finalSession.Current.Balances),
		TxHash:        txHash,
		BlockNumber:   blockNumber,
		Timestamp:     timestamp,
	}, nil
}

func (c *Client) alert(ctx context.Context, err error, sessionID string) {
	if c.alerter == nil {
		return
	}
	event, ok := alerting.EventFromError(err, sessionID, time.Now().UTC())
	if !ok {
		return
	}
	_ = c.alerter.Notify(ctx, event)
}

func balanceFor(balances channel.Balances, asset policy.Asset) *big.Int {
	amt, ok := balances[asset]
	if !ok {
		return big.NewInt(0)
	}
	return amt
}

// absDiff returns |a - b|, treating a nil operand as zero.
func absDiff(a, b *big.Int) *big.Int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return new(big.Int).Abs(new(big.Int).Sub(a, b))
}

func cloneBalances(b channel.Balances) map[policy.Asset]*big.Int {
	out := make(map[policy.Asset]*big.Int, len(b))
	for k, v := range b {
		out[k] = new(big.Int).Set(v)
	}
	return out
}
