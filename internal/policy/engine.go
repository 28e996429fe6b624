// Package policy implements the kernel's policy engine: a pure, stateless
// evaluator that fingerprints an immutable Config and, given a Proposal and
// a balance snapshot, produces an auditable Decision. It performs no I/O
// and depends on wall-clock time only to stamp the decision, never to make
// it.
package policy

import (
	"fmt"
	"math/big"
	"time"

	xerrors "sentinel-kernel/internal/errors"
)

const (
	RuleMaxTradeSize  = "max-trade-size"
	RuleAllowedDex    = "allowed-dex"
	RuleAllowedAssets = "allowed-assets"
	RuleMaxSlippage   = "max-slippage"
)

const (
	CodeInvalidConfig xerrors.Code = "POLICY_INVALID_CONFIG"
)

func init() {
	xerrors.Register(CodeInvalidConfig, xerrors.Attributes{
		Message:   "policy configuration invalid",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Engine evaluates proposals against a fixed, immutable Config. An Engine
// is safe for concurrent use: Evaluate reads only its own immutable state
// and its arguments.
type Engine struct {
	config Config
	hash   Hash
}

// NewEngine validates cfg and precomputes its fingerprint. A Config that
// fails validation never becomes an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeInvalidConfig, err, "invalid policy configuration")
	}
	return &Engine{config: cfg, hash: FingerprintHash(cfg)}, nil
}

// Config returns the engine's immutable policy configuration.
func (e *Engine) Config() Config { return e.config }

// Hash returns the engine's precomputed policy fingerprint.
func (e *Engine) Hash() Hash { return e.hash }

// Evaluate runs all four rules, in fixed order, against proposal and
// balances. It never returns an error: an unevaluable proposal simply
// fails every rule it cannot satisfy.
func (e *Engine) Evaluate(proposal Proposal, balances BalanceSnapshot) Decision {
	results := []RuleResult{
		e.evalMaxTradeSize(proposal, balances),
		e.evalAllowedDex(proposal),
		e.evalAllowedAssets(proposal),
		e.evalMaxSlippage(proposal),
	}

	approved := true
	for _, r := range results {
		if !r.Passed {
			approved = false
			break
		}
	}

	return Decision{
		Approved:    approved,
		Results:     results,
		EvaluatedAt: time.Now().UTC(),
		PolicyHash:  e.hash,
	}
}

func (e *Engine) evalMaxTradeSize(p Proposal, balances BalanceSnapshot) RuleResult {
	base := RuleResult{RuleID: RuleMaxTradeSize, RuleName: "Max Trade Size"}

	bal, ok := balances[p.TokenIn]
	if !ok || bal == nil {
		base.Passed = false
		base.Reason = fmt.Sprintf("no balance entry for %s", p.TokenIn)
		base.Value = amountString(p.AmountIn)
		base.Limit = "n/a"
		return base
	}

	tradeCap := new(big.Int).Mul(bal, big.NewInt(int64(e.config.MaxTradeBps)))
	tradeCap.Quo(tradeCap, big.NewInt(10_000))

	amountIn := p.AmountIn
	if amountIn == nil {
		amountIn = big.NewInt(0)
	}

	base.Value = amountString(amountIn)
	base.Limit = amountString(tradeCap)
	if amountIn.Cmp(tradeCap) <= 0 {
		base.Passed = true
		return base
	}
	base.Passed = false
	base.Reason = fmt.Sprintf("amountIn %s exceeds cap %s (%d bps of balance %s)",
		base.Value, base.Limit, e.config.MaxTradeBps, amountString(bal))
	return base
}

func (e *Engine) evalAllowedDex(p Proposal) RuleResult {
	r := RuleResult{
		RuleID:   RuleAllowedDex,
		RuleName: "Allowed DEX",
		Value:    p.Dex,
		Limit:    fmt.Sprintf("%v", e.config.sortedDexes()),
	}
	if e.config.allowsDex(p.Dex) {
		r.Passed = true
		return r
	}
	r.Passed = false
	r.Reason = fmt.Sprintf("dex %q is not in the allowed set", p.Dex)
	return r
}

func (e *Engine) evalAllowedAssets(p Proposal) RuleResult {
	r := RuleResult{
		RuleID:   RuleAllowedAssets,
		RuleName: "Allowed Assets",
		Value:    fmt.Sprintf("tokenIn=%s,tokenOut=%s", p.TokenIn, p.TokenOut),
		Limit:    fmt.Sprintf("%v", e.config.sortedAssets()),
	}

	inOK := e.config.allowsAsset(p.TokenIn)
	outOK := e.config.allowsAsset(p.TokenOut)
	if inOK && outOK {
		r.Passed = true
		return r
	}

	r.Passed = false
	var violations []string
	if !inOK {
		violations = append(violations, fmt.Sprintf("tokenIn=%s", p.TokenIn))
	}
	if !outOK {
		violations = append(violations, fmt.Sprintf("tokenOut=%s", p.TokenOut))
	}
	r.Reason = fmt.Sprintf("asset(s) not allowed: %v", violations)
	return r
}

func (e *Engine) evalMaxSlippage(p Proposal) RuleResult {
	r := RuleResult{
		RuleID:   RuleMaxSlippage,
		RuleName: "Max Slippage",
		Value:    fmt.Sprintf("%d", p.MaxSlippageBps),
		Limit:    fmt.Sprintf("%d", e.config.MaxSlippageBps),
	}
	if p.MaxSlippageBps <= e.config.MaxSlippageBps {
		r.Passed = true
		return r
	}
	r.Passed = false
	r.Reason = fmt.Sprintf("maxSlippageBps %d exceeds policy limit %d", p.MaxSlippageBps, e.config.MaxSlippageBps)
	return r
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
