package session

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"sentinel-kernel/internal/audit"
	"sentinel-kernel/internal/channel"
	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/policy"
	"sentinel-kernel/internal/quote"
)

// Config fixes the behavior of every session a Manager opens.
type Config struct {
	Engine             *policy.Engine
	Oracle             quote.Oracle
	Lock               Lock
	AuditLog           *audit.Log
	OperatorKey        *ecdsa.PrivateKey
	Counterparty       common.Address
	// NewTransport builds the counterparty co-signer for a newly opened
	// channel. If nil, sessions never open a channel and run memory-only.
	NewTransport       func(sessionID string) channel.CounterpartyTransport
	DefaultSlippageBps uint32
	DefaultDex         string
	// MaxActionsPerSession caps the number of accepted proposeSwap calls a
	// single session may make. Zero means unlimited.
	MaxActionsPerSession int
	// SessionTimeout is the idle window, measured from the session's last
	// accepted action (or open, if none yet), after which proposeSwap moves
	// the session to StatusError instead of proceeding. Zero means no
	// timeout is enforced.
	SessionTimeout time.Duration
}

// entry is the manager's private bookkeeping for one session. mu guards
// every field below it: ProposeSwap, CloseSession, and MarkSettled hold it
// for writing, SimulateSwap and Get for reading, so that concurrent
// simulateSwap calls may run in parallel with each other but never overlap
// a proposeSwap between its quote and its ledger commit.
type entry struct {
	mu             sync.RWMutex
	state          State
	ledger         *channel.Ledger  // nil when the session is memory-only (degraded)
	finalChannel   *channel.Session // set by CloseSession when a ledger is present
	actionCount    int
	lastActivityAt time.Time
}

// Manager is the Session Manager (C4): it owns the session lifecycle state
// machine and the policy -> quote -> ledger pipeline, and may host many
// concurrent sessions, each serialized independently by cfg.Lock.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*entry
}

// New constructs a Manager. Engine, Oracle, Lock, and AuditLog are
// required.
func New(cfg Config) (*Manager, error) {
	if cfg.Engine == nil || cfg.Oracle == nil || cfg.Lock == nil || cfg.AuditLog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "session manager missing required dependency")
	}
	if cfg.DefaultSlippageBps == 0 {
		cfg.DefaultSlippageBps = 50
	}
	if cfg.DefaultDex == "" {
		cfg.DefaultDex = "default-venue"
	}
	return &Manager{cfg: cfg, sessions: make(map[string]*entry)}, nil
}

// Open creates a new session with initial balances {USDC: depositUsdc,
// ETH: 0}. If a channel transport factory is configured, it attempts to
// open the channel with the same balances; on transport failure it
// degrades to memory-only mode and records the degradation rather than
// failing the open.
func (m *Manager) Open(ctx context.Context, depositUSDC *big.Int) (State, error) {
	sessionID := uuid.NewString()
	now := time.Now().UTC()

	balances := BalanceSheet{
		policy.USDC: {Amount: new(big.Int).Set(depositUSDC), InitialAmount: new(big.Int).Set(depositUSDC)},
		policy.ETH:  {Amount: big.NewInt(0), InitialAmount: big.NewInt(0)},
	}

	state := State{
		SessionID: sessionID,
		Status:    StatusActive,
		Balances:  balances,
		OpenedAt:  now,
	}

	e := &entry{state: state, lastActivityAt: now}

	if m.cfg.NewTransport != nil {
		ledger := channel.NewLedger(m.cfg.OperatorKey, m.cfg.Counterparty, m.cfg.NewTransport(sessionID))
		channelBalances := toChannelBalances(balances)
		if _, err := ledger.Open(ctx, sessionID, channelBalances); err != nil {
			m.cfg.AuditLog.Record(ctx, sessionID, "", "channel_degraded", err.Error(), map[string]string{
				"depositUsdc": depositUSDC.String(),
			})
		} else {
			e.ledger = ledger
		}
	}

	m.mu.Lock()
	m.sessions[sessionID] = e
	m.mu.Unlock()

	m.cfg.AuditLog.Record(ctx, sessionID, "", "session_opened", "", map[string]string{
		"depositUsdc": depositUSDC.String(),
		"degraded":    fmt.Sprintf("%v", e.ledger == nil),
	})

	return m.snapshot(e), nil
}

// Get returns the current state of sessionID.
func (m *Manager) Get(sessionID string) (State, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return State{}, err
	}
	return m.snapshot(e), nil
}

func (m *Manager) lookup(sessionID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, xerrors.New(CodeStateError, fmt.Sprintf("no session %q", sessionID))
	}
	return e, nil
}

func (m *Manager) snapshot(e *entry) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return snapshotLocked(e)
}

// snapshotLocked builds the same view as snapshot but assumes the caller
// already holds e.mu, for callers that are already mid-mutation.
func snapshotLocked(e *entry) State {
	s := e.state
	s.Balances = e.state.Balances.Clone()
	s.History = append([]SwapResult(nil), e.state.History...)
	return s
}

// FinalChannelSession returns the channel ledger's finalized state for
// sessionID, captured at CloseSession. Callers that drive settlement (C5)
// use this as the "finalized session" input to Settle; it is nil for
// memory-only sessions or sessions not yet closed.
func (m *Manager) FinalChannelSession(sessionID string) (*channel.Session, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.finalChannel, nil
}

func toChannelBalances(sheet BalanceSheet) channel.Balances {
	out := make(channel.Balances, len(sheet))
	for asset, bal := range sheet {
		out[asset] = new(big.Int).Set(bal.Amount)
	}
	return out
}
