package mcptool

import (
	"context"
	"fmt"
	"time"

	"sentinel-kernel/internal/policy"
	"sentinel-kernel/internal/session"
	"sentinel-kernel/internal/settlement"
)

// Toolset binds the four agent-facing tool operations to one session. A
// transport adapter (out of scope here) constructs one Toolset per agent
// conversation and dispatches incoming tool calls into it.
type Toolset struct {
	manager    *session.Manager
	settlement *settlement.Client
	sessionID  string
}

// New constructs a Toolset bound to sessionID. settle may be nil for
// deployments that never call close_session_and_settle against a real
// guard/vault (e.g. memory-only test sessions).
func New(manager *session.Manager, settle *settlement.Client, sessionID string) *Toolset {
	return &Toolset{manager: manager, settlement: settle, sessionID: sessionID}
}

func errorResponse(err error) Response {
	return Response{Success: false, Error: err.Error(), Timestamp: nowUTC()}
}

func toDecision(d policy.Decision) *Decision {
	results := make([]RuleResult, 0, len(d.Results))
	for _, r := range d.Results {
		results = append(results, RuleResult{
			RuleID:   r.RuleID,
			RuleName: r.RuleName,
			Passed:   r.Passed,
			Reason:   r.Reason,
			Value:    r.Value,
			Limit:    r.Limit,
		})
	}
	return &Decision{
		Approved:    d.Approved,
		Results:     results,
		EvaluatedAt: d.EvaluatedAt,
		PolicyHash:  d.PolicyHash.String(),
	}
}

func toBalanceViews(sheet session.BalanceSheet) []BalanceView {
	out := make([]BalanceView, 0, len(sheet))
	for _, asset := range policy.SortedAssets() {
		bal, ok := sheet[asset]
		if !ok {
			continue
		}
		out = append(out, BalanceView{
			Asset:         asset,
			Amount:        fromBaseUnits(bal.Amount, asset),
			InitialAmount: fromBaseUnits(bal.InitialAmount, asset),
			PnL:           fromBaseUnits(bal.PnL(), asset),
		})
	}
	return out
}

// GetSessionBalance implements get_session_balance: {asset} -> balance
// record + session summary.
func (t *Toolset) GetSessionBalance(_ context.Context, req GetSessionBalanceRequest) Response {
	state, err := t.manager.Get(t.sessionID)
	if err != nil {
		return errorResponse(err)
	}
	if req.Asset != "" && !policy.IsSupported(req.Asset) {
		return errorResponse(fmt.Errorf("unsupported asset %q", req.Asset))
	}

	return Response{
		Success: true,
		Data: SessionSummary{
			SessionID: state.SessionID,
			Status:    string(state.Status),
			Balances:  toBalanceViews(state.Balances),
		},
		Timestamp: nowUTC(),
	}
}

// SimulateSwap implements simulate_swap: {tokenIn, tokenOut, amount} ->
// simulation + would-be policy decision. Never mutates session state.
func (t *Toolset) SimulateSwap(ctx context.Context, req SimulateSwapRequest) Response {
	amountIn, err := toBaseUnits(req.Amount, req.TokenIn)
	if err != nil {
		return errorResponse(err)
	}

	result, err := t.manager.SimulateSwap(ctx, t.sessionID, req.TokenIn, req.TokenOut, amountIn)
	if err != nil {
		return errorResponse(err)
	}

	return Response{
		Success: true,
		Data: map[string]interface{}{
			"wouldApprove": result.WouldApprove,
			"estimatedOut": fromBaseUnits(result.EstimatedOut, req.TokenOut),
		},
		PolicyDecision: toDecision(result.Decision),
		Timestamp:      nowUTC(),
	}
}

// ProposeSwap implements propose_swap: {tokenIn, tokenOut, amount} -> swap
// result + policy decision, or rejection.
func (t *Toolset) ProposeSwap(ctx context.Context, req ProposeSwapRequest) Response {
	amountIn, err := toBaseUnits(req.Amount, req.TokenIn)
	if err != nil {
		return errorResponse(err)
	}

	result, err := t.manager.ProposeSwap(ctx, t.sessionID, req.TokenIn, req.TokenOut, amountIn, 0, "")
	if err != nil {
		return errorResponse(err)
	}

	resp := Response{
		Success:        result.Accepted(),
		PolicyDecision: toDecision(result.Decision),
		Timestamp:      nowUTC(),
	}
	if result.Swap != nil {
		resp.Data = map[string]interface{}{
			"amountIn":      fromBaseUnits(result.Swap.AmountIn, req.TokenIn),
			"amountOut":     fromBaseUnits(result.Swap.AmountOut, req.TokenOut),
			"executionType": string(result.Swap.ExecutionType),
		}
	}
	if !result.Accepted() {
		resp.Error = "policy rejected proposal"
	}
	return resp
}

// CloseSessionAndSettle implements close_session_and_settle: {} -> final
// balances + settlement tx identifier. A settlement pre-validation failure
// is terminal for this attempt: the session remains closing and the
// caller may retry once the underlying cause is fixed.
func (t *Toolset) CloseSessionAndSettle(ctx context.Context, _ struct{}) Response {
	state, err := t.manager.Get(t.sessionID)
	if err != nil {
		return errorResponse(err)
	}
	if state.Status != session.StatusClosing {
		state, err = t.manager.CloseSession(ctx, t.sessionID)
		if err != nil {
			return errorResponse(err)
		}
	}

	if t.settlement == nil {
		return Response{
			Success: true,
			Data: map[string]interface{}{
				"balances": toBalanceViews(state.Balances),
				"status":   string(state.Status),
			},
			Timestamp: nowUTC(),
		}
	}

	final, err := t.manager.FinalChannelSession(t.sessionID)
	if err != nil {
		return errorResponse(err)
	}
	if final == nil {
		return errorResponse(fmt.Errorf("session %q closed memory-only; no channel state to settle", t.sessionID))
	}

	record, err := t.settlement.Settle(ctx, final, state.Balances[policy.USDC].InitialAmount, state.Balances[policy.ETH].InitialAmount)
	if err != nil {
		return errorResponse(err)
	}

	settled, err := t.manager.MarkSettled(ctx, t.sessionID, record.TxHash.Hex())
	if err != nil {
		return errorResponse(err)
	}

	return Response{
		Success: true,
		Data: map[string]interface{}{
			"balances":    toBalanceViews(settled.Balances),
			"status":      string(settled.Status),
			"txHash":      record.TxHash.Hex(),
			"blockNumber": record.BlockNumber,
		},
		Timestamp: nowUTC(),
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
