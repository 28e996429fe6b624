package session

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	xerrors "sentinel-kernel/internal/errors"
	"sentinel-kernel/internal/policy"
)

// SimulationResult is a dry-run preview: the quote and the policy decision
// that would result from proposing the same swap right now, without any
// mutation.
type SimulationResult struct {
	Quote        policy.Proposal
	EstimatedOut *big.Int
	Decision     policy.Decision
	WouldApprove bool
}

// ProposeResult is the outcome of proposeSwap. Accepted mirrors
// Decision.Approved; Swap is non-nil only when Accepted.
type ProposeResult struct {
	Decision policy.Decision
	Swap     *SwapResult
}

// Accepted reports whether the policy approved the proposal. An approved
// proposal was applied only when ProposeSwap also returned a nil error.
func (r ProposeResult) Accepted() bool { return r.Decision.Approved }

// SimulateSwap prices tokenIn->tokenOut via the quote oracle and dry-runs
// the policy evaluation against the session's current balances. If
// sessionID is empty, a synthetic balance snapshot is used so a caller can
// preview a swap before any session exists.
func (m *Manager) SimulateSwap(ctx context.Context, sessionID string, tokenIn, tokenOut policy.Asset, amountIn *big.Int) (SimulationResult, error) {
	balances, err := m.balancesForSimulation(sessionID)
	if err != nil {
		return SimulationResult{}, err
	}

	result, err := m.cfg.Oracle.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return SimulationResult{}, err
	}

	proposal := policy.Proposal{
		ID:                 uuid.NewString(),
		TokenIn:            tokenIn,
		TokenOut:           tokenOut,
		AmountIn:           amountIn,
		EstimatedAmountOut: result.EstimatedAmountOut,
		MaxSlippageBps:     m.cfg.DefaultSlippageBps,
		Dex:                m.cfg.DefaultDex,
		Timestamp:          time.Now().UTC(),
	}
	decision := m.cfg.Engine.Evaluate(proposal, balances)

	if sessionID != "" {
		m.cfg.AuditLog.Record(ctx, sessionID, proposal.ID, "swap_simulated", "", map[string]string{
			"tokenIn": string(tokenIn), "tokenOut": string(tokenOut),
			"amountIn": amountIn.String(), "wouldApprove": fmt.Sprintf("%v", decision.Approved),
		})
	}

	return SimulationResult{
		Quote:        proposal,
		EstimatedOut: result.EstimatedAmountOut,
		Decision:     decision,
		WouldApprove: decision.Approved,
	}, nil
}

// previewBalance is the synthetic per-asset balance, in whole units, used
// for simulations requested with no active session. balancesForSimulation
// scales it by each asset's decimals, so it is generous enough not to itself
// trip the max-trade-size rule for any reasonable preview amount.
var previewBalance = big.NewInt(1_000_000) // 1,000,000 whole units of each asset

func (m *Manager) balancesForSimulation(sessionID string) (policy.BalanceSnapshot, error) {
	if sessionID == "" {
		snapshot := policy.BalanceSnapshot{}
		for _, asset := range policy.SortedAssets() {
			decimals, err := policy.Decimals(asset)
			if err != nil {
				return nil, err
			}
			scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
			snapshot[asset] = new(big.Int).Mul(previewBalance, scale)
		}
		return snapshot, nil
	}
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return toPolicyBalances(e.state.Balances), nil
}

// ProposeSwap runs the canonical pipeline: quote, build proposal, evaluate
// policy, check sufficiency, apply the balance delta, commit a new
// co-signed channel state, and append history. A policy rejection returns
// a non-accepted ProposeResult with no error and no mutation. Insufficient
// balance, channel failures, and state misuse return errors.
func (m *Manager) ProposeSwap(ctx context.Context, sessionID string, tokenIn, tokenOut policy.Asset, amountIn *big.Int, maxSlippageBps uint32, dex string) (ProposeResult, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return ProposeResult{}, err
	}
	e.mu.RLock()
	status := e.state.Status
	e.mu.RUnlock()
	if status != StatusActive {
		return ProposeResult{}, xerrors.New(CodeStateError, fmt.Sprintf("proposeSwap is illegal from status %q", status))
	}

	release, err := m.cfg.Lock.Acquire(ctx, sessionID)
	if err != nil {
		return ProposeResult{}, err
	}
	defer release()

	// Re-check status: it may have changed to closing while we waited for
	// the lock. Session close is final even if it hasn't completed. From
	// here on e.mu is held for the rest of the call so that no simulateSwap
	// read can interleave between this quote and the balance commit below.
	e, err = m.lookup(sessionID)
	if err != nil {
		return ProposeResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusActive {
		return ProposeResult{}, xerrors.New(CodeStateError, fmt.Sprintf("proposeSwap is illegal from status %q", e.state.Status))
	}

	if m.cfg.SessionTimeout > 0 && time.Since(e.lastActivityAt) > m.cfg.SessionTimeout {
		e.state.Status = StatusError
		m.cfg.AuditLog.Record(ctx, sessionID, "", "session_timed_out", "", map[string]string{
			"idleFor": time.Since(e.lastActivityAt).String(),
		})
		return ProposeResult{}, xerrors.New(CodeSessionTimedOut, fmt.Sprintf("session %q idle for %s, exceeding timeout", sessionID, time.Since(e.lastActivityAt)))
	}

	if m.cfg.MaxActionsPerSession > 0 && e.actionCount >= m.cfg.MaxActionsPerSession {
		m.cfg.AuditLog.Record(ctx, sessionID, "", "session_action_limit_exceeded", "", map[string]string{
			"actionCount": fmt.Sprintf("%d", e.actionCount),
			"limit":       fmt.Sprintf("%d", m.cfg.MaxActionsPerSession),
		})
		return ProposeResult{}, xerrors.New(CodeActionLimitExceeded, fmt.Sprintf("session %q reached its limit of %d actions", sessionID, m.cfg.MaxActionsPerSession))
	}

	if maxSlippageBps == 0 {
		maxSlippageBps = m.cfg.DefaultSlippageBps
	}
	if dex == "" {
		dex = m.cfg.DefaultDex
	}

	quoteResult, err := m.cfg.Oracle.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		m.cfg.AuditLog.Record(ctx, sessionID, "", "swap_quote_failed", err.Error(), map[string]string{
			"tokenIn": string(tokenIn), "tokenOut": string(tokenOut),
		})
		return ProposeResult{}, err
	}

	proposal := policy.Proposal{
		ID:                 uuid.NewString(),
		TokenIn:            tokenIn,
		TokenOut:           tokenOut,
		AmountIn:           amountIn,
		EstimatedAmountOut: quoteResult.EstimatedAmountOut,
		MaxSlippageBps:     maxSlippageBps,
		Dex:                dex,
		Timestamp:          time.Now().UTC(),
	}

	decision := m.cfg.Engine.Evaluate(proposal, toPolicyBalances(e.state.Balances))
	if !decision.Approved {
		m.cfg.AuditLog.Record(ctx, sessionID, proposal.ID, "swap_rejected", firstFailedRule(decision), map[string]string{
			"tokenIn": string(tokenIn), "tokenOut": string(tokenOut), "amountIn": amountIn.String(),
		})
		return ProposeResult{Decision: decision}, nil
	}

	balIn, ok := e.state.Balances[tokenIn]
	if !ok || balIn.Amount.Cmp(amountIn) < 0 {
		m.cfg.AuditLog.Record(ctx, sessionID, proposal.ID, "swap_insufficient_balance", "", map[string]string{
			"tokenIn": string(tokenIn), "amountIn": amountIn.String(),
		})
		return ProposeResult{Decision: decision}, xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("balance %s has insufficient %s for amountIn %s", sessionID, tokenIn, amountIn.String()))
	}

	// Apply the delta against a working clone so we can roll back cleanly
	// if the channel commit fails.
	working := e.state.Balances.Clone()
	inBal := working[tokenIn]
	inBal.Amount = new(big.Int).Sub(inBal.Amount, amountIn)
	working[tokenIn] = inBal

	outBal, ok := working[tokenOut]
	if !ok {
		outBal = Balance{Amount: big.NewInt(0), InitialAmount: big.NewInt(0)}
	}
	outBal.Amount = new(big.Int).Add(outBal.Amount, quoteResult.EstimatedAmountOut)
	working[tokenOut] = outBal

	if e.ledger != nil {
		if _, err := e.ledger.Update(ctx, toChannelBalances(working)); err != nil {
			m.cfg.AuditLog.Record(ctx, sessionID, proposal.ID, "swap_channel_failed", err.Error(), nil)
			return ProposeResult{}, xerrors.Wrap(CodeChannelTimeout, err, "channel update failed, balance delta rolled back")
		}
	}

	swap := SwapResult{
		ProposalID:    proposal.ID,
		Success:       true,
		AmountIn:      new(big.Int).Set(amountIn),
		AmountOut:     new(big.Int).Set(quoteResult.EstimatedAmountOut),
		ExecutedPrice: executionPrice(amountIn, quoteResult.EstimatedAmountOut),
		ExecutionType: ExecutionOffchain,
		Timestamp:     time.Now().UTC(),
	}

	e.state.Balances = working
	e.state.History = append(e.state.History, swap)
	e.actionCount++
	e.lastActivityAt = swap.Timestamp

	m.cfg.AuditLog.Record(ctx, sessionID, proposal.ID, "swap_accepted", "", map[string]string{
		"tokenIn": string(tokenIn), "tokenOut": string(tokenOut),
		"amountIn": amountIn.String(), "amountOut": quoteResult.EstimatedAmountOut.String(),
	})

	return ProposeResult{Decision: decision, Swap: &swap}, nil
}

// CloseSession transitions sessionID from active to closing and closes its
// channel to a final co-signed state.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) (State, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return State{}, err
	}

	release, err := m.cfg.Lock.Acquire(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	defer release()

	e, err = m.lookup(sessionID)
	if err != nil {
		return State{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusActive {
		return State{}, xerrors.New(CodeStateError, fmt.Sprintf("close is illegal from status %q", e.state.Status))
	}

	if e.ledger != nil {
		final, err := e.ledger.Close(ctx)
		if err != nil {
			return State{}, xerrors.Wrap(CodeStateError, err, "close channel")
		}
		e.finalChannel = final
	}

	e.state.Status = StatusClosing
	now := time.Now().UTC()
	e.state.ClosedAt = &now

	m.cfg.AuditLog.Record(ctx, sessionID, "", "session_closing", "", nil)
	return snapshotLocked(e), nil
}

// MarkSettled transitions sessionID from closing to settled, recording the
// settlement transaction hash. Only legal from closing.
func (m *Manager) MarkSettled(ctx context.Context, sessionID, txHash string) (State, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return State{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusClosing {
		return State{}, xerrors.New(CodeStateError, fmt.Sprintf("markSettled is illegal from status %q", e.state.Status))
	}

	e.state.Status = StatusSettled
	e.state.SettlementTxHash = txHash

	m.cfg.AuditLog.Record(ctx, sessionID, "", "session_settled", "", map[string]string{"txHash": txHash})
	return snapshotLocked(e), nil
}

func toPolicyBalances(sheet BalanceSheet) policy.BalanceSnapshot {
	out := make(policy.BalanceSnapshot, len(sheet))
	for asset, bal := range sheet {
		out[asset] = new(big.Int).Set(bal.Amount)
	}
	return out
}

func firstFailedRule(d policy.Decision) string {
	for _, r := range d.FailedRules() {
		return r.RuleName
	}
	return ""
}

func executionPrice(amountIn, amountOut *big.Int) *big.Rat {
	if amountIn == nil || amountIn.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(amountOut, amountIn)
}
