package channel

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/pkg/logger"
)

// Ledger is the Channel Ledger (C3): it holds at most one active session,
// producing monotonically numbered, co-signed states over that session's
// balances. A Ledger is safe for concurrent use; every operation is
// serialized by an internal mutex, matching the single-owner-per-session
// model described for the kernel as a whole.
type Ledger struct {
	operatorKey  *ecdsa.PrivateKey
	operatorAddr common.Address
	counterparty common.Address
	transport    CounterpartyTransport
	signTimeout  time.Duration

	mu      sync.Mutex
	status  Status
	session *Session
}

// NewLedger constructs a Ledger that signs with operatorKey and expects the
// counterparty's signatures to recover to counterparty.
func NewLedger(operatorKey *ecdsa.PrivateKey, counterparty common.Address, transport CounterpartyTransport) *Ledger {
	return &Ledger{
		operatorKey:  operatorKey,
		operatorAddr: crypto.PubkeyToAddress(operatorKey.PublicKey),
		counterparty: counterparty,
		transport:    transport,
		signTimeout:  5 * time.Second,
		status:       StatusNone,
	}
}

// SetSignTimeout overrides the default counterparty round-trip timeout.
func (l *Ledger) SetSignTimeout(d time.Duration) { l.signTimeout = d }

// Open creates a turn-0 state over initial, collects both signatures, and
// transitions prefund -> open -> running. Only legal when the ledger has no
// session or its prior session is finalized.
func (l *Ledger) Open(ctx context.Context, channelID string, initial Balances) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != StatusNone && l.status != StatusFinalized {
		return nil, xerrors.New(CodeStateError, fmt.Sprintf("open is illegal from status %q", l.status))
	}

	l.status = StatusPrefund
	state, err := l.coSignLocked(ctx, channelID, 0, initial)
	if err != nil {
		l.status = StatusNone
		return nil, err
	}
	l.status = StatusOpen

	now := time.Now().UTC()
	session := &Session{
		ChannelID:    channelID,
		Status:       StatusRunning,
		Participants: [2]common.Address{l.operatorAddr, l.counterparty},
		Current:      state,
		History:      []State{state},
		OpenedAt:     now,
	}
	l.session = session
	l.status = StatusRunning

	logger.Audit().Info("channel_opened", "channelId", channelID, "turnNum", uint64(0))
	return l.snapshotLocked(), nil
}

// Update creates turn n+1 over newBalances, both parties sign, and the new
// state is appended to history. Only legal while running.
func (l *Ledger) Update(ctx context.Context, newBalances Balances) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != StatusRunning || l.session == nil {
		return State{}, xerrors.New(CodeStateError, fmt.Sprintf("update is illegal from status %q", l.status))
	}

	// Re-delivery idempotency: the caller has no way to name a turn number
	// (the public contract only takes target balances), so a retried call
	// whose requested balances exactly match the already-applied current
	// state is recognized as the same update and returns the existing
	// state instead of minting a new turn.
	if balancesEqual(newBalances, l.session.Current.Balances) {
		return l.session.Current, nil
	}

	nextTurn := l.session.Current.TurnNum + 1
	state, err := l.coSignLocked(ctx, l.session.ChannelID, nextTurn, newBalances)
	if err != nil {
		return State{}, err
	}

	l.session.Current = state
	l.session.History = append(l.session.History, state)

	logger.Audit().Info("channel_updated", "channelId", l.session.ChannelID, "turnNum", nextTurn)
	return state, nil
}

// balancesEqual reports whether a and b hold the same set of assets with
// equal amounts.
func balancesEqual(a, b Balances) bool {
	if len(a) != len(b) {
		return false
	}
	for asset, amount := range a {
		other, ok := b[asset]
		if !ok || other == nil || amount == nil || amount.Cmp(other) != 0 {
			return false
		}
	}
	return true
}

// Close creates the final turn, both parties sign, and transitions
// running -> closing -> finalized. Only legal while running.
func (l *Ledger) Close(ctx context.Context) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != StatusRunning || l.session == nil {
		return nil, xerrors.New(CodeStateError, fmt.Sprintf("close is illegal from status %q", l.status))
	}
	l.status = StatusClosing

	finalTurn := l.session.Current.TurnNum + 1
	state, err := l.coSignLocked(ctx, l.session.ChannelID, finalTurn, l.session.Current.Balances)
	if err != nil {
		l.status = StatusRunning
		return nil, err
	}

	l.session.Current = state
	l.session.History = append(l.session.History, state)
	l.session.Status = StatusFinalized
	now := time.Now().UTC()
	l.session.ClosedAt = &now
	l.status = StatusFinalized

	logger.Audit().Info("channel_finalized", "channelId", l.session.ChannelID, "turnNum", finalTurn)
	return l.snapshotLocked(), nil
}

// LatestHash returns the current state's digest, if a session exists.
func (l *Ledger) LatestHash() (*[32]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil, false
	}
	h := l.session.Current.StateHash
	return &h, true
}

// GetChannel returns a snapshot of the current session, if one exists.
func (l *Ledger) GetChannel() (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil, false
	}
	return l.snapshotLocked(), true
}

// coSignLocked builds, signs, and verifies a new state for (channelID,
// turnNum, balances). Caller holds l.mu.
func (l *Ledger) coSignLocked(ctx context.Context, channelID string, turnNum uint64, balances Balances) (State, error) {
	balances = balances.Clone()
	digest := stateDigest(channelID, turnNum, balances)

	operatorSig, err := sign(l.operatorKey, digest)
	if err != nil {
		return State{}, xerrors.Wrap(CodeSignatureMismatch, err, "sign operator state")
	}

	signCtx := ctx
	var cancel context.CancelFunc
	if l.signTimeout > 0 {
		signCtx, cancel = context.WithTimeout(ctx, l.signTimeout)
		defer cancel()
	}

	counterpartySig, err := l.transport.RequestSignature(signCtx, channelID, turnNum, digest)
	if err != nil {
		return State{}, xerrors.Wrap(CodeTransportFailure, err, "request counterparty signature")
	}

	if ok, err := recoverSigner(digest, operatorSig, l.operatorAddr); err != nil || !ok {
		return State{}, xerrors.New(CodeSignatureMismatch, "operator signature failed to recover")
	}
	if ok, err := recoverSigner(digest, counterpartySig, l.counterparty); err != nil || !ok {
		return State{}, xerrors.New(CodeSignatureMismatch, "counterparty signature failed to recover")
	}

	return State{
		ChannelID:  channelID,
		TurnNum:    turnNum,
		Balances:   balances,
		StateHash:  digest,
		Signatures: [2][]byte{operatorSig, counterpartySig},
		Timestamp:  time.Now().UTC(),
	}, nil
}

// snapshotLocked returns a value copy of the current session so callers
// cannot mutate ledger-owned state through the returned pointer's slices.
func (l *Ledger) snapshotLocked() *Session {
	s := *l.session
	s.History = append([]State(nil), l.session.History...)
	s.Current.Balances = l.session.Current.Balances.Clone()
	return &s
}
