package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"sentinel-kernel/internal/audit"
	"sentinel-kernel/internal/channel"
	"sentinel-kernel/internal/identity"
	"sentinel-kernel/internal/mcptool"
	"sentinel-kernel/internal/policy"
	"sentinel-kernel/internal/quote"
	"sentinel-kernel/internal/session"
)

type stubOracle struct {
	amountOut *big.Int
}

func (s *stubOracle) Quote(context.Context, policy.Asset, policy.Asset, *big.Int) (quote.Result, error) {
	return quote.Result{EstimatedAmountOut: s.amountOut, PriceImpactBps: 5, Source: "stub"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	engine, err := policy.NewEngine(policy.Config{
		MaxTradeBps:    2_000,
		MaxSlippageBps: 100,
		AllowedDexes:   []string{"default-venue"},
		AllowedAssets:  []policy.Asset{policy.USDC, policy.ETH},
	})
	require.NoError(t, err)

	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	counterpartyKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	counterpartyAddr := crypto.PubkeyToAddress(counterpartyKey.PublicKey)
	auditLog := audit.NewLog(1000)

	manager, err := session.New(session.Config{
		Engine:       engine,
		Oracle:       &stubOracle{amountOut: big.NewInt(200_000000000000000)},
		Lock:         session.NewMemoryLock(),
		AuditLog:     auditLog,
		OperatorKey:  operatorKey,
		Counterparty: counterpartyAddr,
		NewTransport: func(string) channel.CounterpartyTransport {
			return channel.NewLocalSigner(counterpartyKey)
		},
	})
	require.NoError(t, err)

	return NewServer(":0", manager, engine, auditLog, nil, "1000")
}

func TestHandleSessionOpenAndGet(t *testing.T) {
	server := newTestServer(t)

	body, _ := json.Marshal(openSessionRequest{DepositUSDC: "1000"})
	req := httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleSession(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var opened mcptool.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opened))
	require.True(t, opened.Success)

	data, ok := opened.Data.(map[string]interface{})
	require.True(t, ok)
	sessionID, ok := data["sessionId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, sessionID)

	getReq := httptest.NewRequest(http.MethodGet, "/api/session?sessionId="+sessionID, nil)
	getRec := httptest.NewRecorder()
	server.handleSession(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestHandleSessionOpenFallsBackToDefaultDeposit(t *testing.T) {
	server := newTestServer(t)

	body, _ := json.Marshal(openSessionRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleSession(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var opened mcptool.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opened))
	require.True(t, opened.Success)
}

func TestHandleSessionMissingIDReturnsBadRequest(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	server.handleSession(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePolicyReturnsHash(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/policy", nil)
	rec := httptest.NewRecorder()
	server.handlePolicy(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["policyHash"])
}

func TestHandleStatusReportsOK(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	server.handleStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatusReportsIdentityAnchoringResult(t *testing.T) {
	server := newTestServer(t)

	identityKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	resolver := identity.NewLocalResolver()
	resolver.SetAddress("sentinel-kernel.eth", crypto.PubkeyToAddress(identityKey.PublicKey))
	resolver.SetText("sentinel-kernel.eth", identity.PolicyHashKey, "0x"+server.engine.Hash().String())
	server.WithIdentityVerifier(&identity.Verifier{Resolver: resolver}, "sentinel-kernel.eth")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	server.handleStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	identityResult, ok := body["identity"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, identityResult["Match"])
}

func TestHandleSwapWrongMethodRejected(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/swap", nil)
	rec := httptest.NewRecorder()
	server.handleSwap(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
