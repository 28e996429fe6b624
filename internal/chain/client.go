// Package chain wraps go-ethereum's client and simulated backend behind one
// interface, so the quote oracle's on-chain backend, the settlement client,
// and the policy guard can all read and write chain state without knowing
// whether they are talking to a live RPC endpoint or an in-process
// simulated chain used in tests.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "sentinel-kernel/internal/errors"
)

const (
	// CodeDialFailure means the client could not reach its configured RPC
	// endpoint.
	CodeDialFailure xerrors.Code = "CHAIN_DIAL_FAILURE"
	// CodeCallFailure means a read-only contract call or chain query
	// failed.
	CodeCallFailure xerrors.Code = "CHAIN_CALL_FAILURE"
	// CodeSendFailure means a transaction failed to broadcast.
	CodeSendFailure xerrors.Code = "CHAIN_SEND_FAILURE"
)

func init() {
	xerrors.Register(CodeDialFailure, xerrors.Attributes{
		Message:   "failed to dial chain RPC endpoint",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeCallFailure, xerrors.Attributes{
		Message:   "chain call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSendFailure, xerrors.Attributes{
		Message:   "chain transaction submission failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Config describes how to dial a live EVM RPC endpoint.
type Config struct {
	Name   string
	RPCURL string
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// Client is an EVM-compatible chain handle, backed either by a real RPC
// endpoint or an in-process simulated backend.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	events    logSubscriber
	backend   bind.ContractBackend
	chainID   *big.Int
	mu        sync.Mutex
}

// Dial connects to a live EVM RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		return nil, xerrors.New(CodeDialFailure, "rpc url is empty")
	}
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(CodeDialFailure, err, fmt.Sprintf("dial %s", url))
	}
	eth := ethclient.NewClient(rpcClient)
	return &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       eth,
		events:    eth,
		backend:   eth,
	}, nil
}

// NewSimulated wraps a go-ethereum simulated backend, used by tests and by
// local development environments that need deterministic chain state
// without a live node.
func NewSimulated(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		events:  backend,
		chainID: new(big.Int).Set(chainID),
	}
}

// Close releases the underlying network connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Name returns the human-readable chain name this client was configured
// with.
func (c *Client) Name() string { return c.name }

// ContractBackend returns the bind.ContractBackend used to read and write
// contract state, for use with generated contract bindings.
func (c *Client) ContractBackend() bind.ContractBackend {
	return c.backend
}

// ChainID returns the connected chain's id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if c.eth == nil {
		return nil, xerrors.New(CodeCallFailure, "no chain id available")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeCallFailure, err, "fetch chain id")
	}
	return id, nil
}

// CallContract executes a read-only contract call against the current
// (or a specific historical) block.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if c.backend == nil {
		return nil, xerrors.New(CodeCallFailure, "no contract backend configured")
	}
	out, err := c.backend.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, xerrors.Wrap(CodeCallFailure, err, "call contract")
	}
	return out, nil
}

// BalanceAt returns the native-asset balance of addr.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	balancer, ok := c.backend.(interface {
		BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
	})
	if !ok {
		return nil, xerrors.New(CodeCallFailure, "backend does not support balance queries")
	}
	balance, err := balancer.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeCallFailure, err, "balance at")
	}
	return balance, nil
}

// SendTransaction broadcasts a signed transaction. On a simulated backend
// it also mines a block so the transaction is immediately confirmed.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if c.backend == nil {
		return xerrors.New(CodeSendFailure, "no contract backend configured")
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return xerrors.Wrap(CodeSendFailure, err, "send transaction")
	}
	if sim, ok := c.backend.(*backends.SimulatedBackend); ok {
		sim.Commit()
	}
	return nil
}

// TransactionReceipt fetches the receipt for a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	receiptFetcher, ok := c.backend.(interface {
		TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error)
	})
	if !ok {
		return nil, xerrors.New(CodeCallFailure, "backend does not support receipt queries")
	}
	receipt, err := receiptFetcher.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, xerrors.Wrap(CodeCallFailure, err, "transaction receipt")
	}
	return receipt, nil
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (chan coretypes.Log, gethcore.Subscription, error) {
	if c.events == nil {
		return nil, nil, xerrors.New(CodeCallFailure, "backend does not support log subscriptions")
	}
	logs := make(chan coretypes.Log, 64)
	sub, err := c.events.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeCallFailure, err, "subscribe filter logs")
	}
	return logs, sub, nil
}
