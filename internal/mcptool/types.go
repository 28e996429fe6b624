// Package mcptool implements the kernel's agent-facing tool surface
// (spec.md §6): four strictly typed, schema-validated operations an
// untrusted automated agent may call against the session it is bound to.
// The MCP tool transport itself is an external collaborator; this package
// is the handler layer a transport adapter dispatches into.
package mcptool

import (
	"time"

	"sentinel-kernel/internal/policy"
)

// Response is the envelope every tool call returns, per spec.md §6:
// "{success, data?, error?, policyDecision?, timestamp}".
type Response struct {
	Success        bool        `json:"success"`
	Data           interface{} `json:"data,omitempty"`
	Error          string      `json:"error,omitempty"`
	PolicyDecision *Decision   `json:"policyDecision,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Decision is policy.Decision re-expressed for the tool boundary: plain
// JSON-able fields, no *big.Int, no internal rule-result type.
type Decision struct {
	Approved    bool           `json:"approved"`
	Results     []RuleResult   `json:"results"`
	EvaluatedAt time.Time      `json:"evaluatedAt"`
	PolicyHash  string         `json:"policyHash"`
}

// RuleResult mirrors policy.RuleResult at the tool boundary.
type RuleResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason,omitempty"`
	Value    string `json:"value"`
	Limit    string `json:"limit"`
}

// GetSessionBalanceRequest is get_session_balance's input: {asset}.
type GetSessionBalanceRequest struct {
	Asset policy.Asset `json:"asset"`
}

// SimulateSwapRequest is simulate_swap's input: {tokenIn, tokenOut, amount}.
type SimulateSwapRequest struct {
	TokenIn  policy.Asset `json:"tokenIn"`
	TokenOut policy.Asset `json:"tokenOut"`
	Amount   string       `json:"amount"`
}

// ProposeSwapRequest is propose_swap's input: {tokenIn, tokenOut, amount}.
type ProposeSwapRequest struct {
	TokenIn  policy.Asset `json:"tokenIn"`
	TokenOut policy.Asset `json:"tokenOut"`
	Amount   string       `json:"amount"`
}

// BalanceView is one asset's position, rendered as human-readable decimal
// strings rather than raw on-chain integer units.
type BalanceView struct {
	Asset         policy.Asset `json:"asset"`
	Amount        string       `json:"amount"`
	InitialAmount string       `json:"initialAmount"`
	PnL           string       `json:"pnl"`
}

// SessionSummary is the balance+summary view get_session_balance returns.
type SessionSummary struct {
	SessionID string        `json:"sessionId"`
	Status    string        `json:"status"`
	Balances  []BalanceView `json:"balances"`
}
