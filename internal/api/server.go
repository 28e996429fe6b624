// Package api exposes the kernel's HTTP surface (spec.md §6): session
// lifecycle, simulate/swap, policy introspection, audit retrieval, and
// status, consumed by the dashboard and the optional LLM-driven agent.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"sentinel-kernel/internal/audit"
	"sentinel-kernel/internal/identity"
	"sentinel-kernel/internal/mcptool"
	"sentinel-kernel/internal/policy"
	"sentinel-kernel/internal/session"
	"sentinel-kernel/internal/settlement"
)

// Server exposes the kernel over HTTP.
type Server struct {
	addr               string
	manager            *session.Manager
	engine             *policy.Engine
	auditLog           *audit.Log
	settlement         *settlement.Client
	defaultDepositUSDC string
	startedAt          time.Time

	identityVerifier *identity.Verifier
	identityName     string
}

// NewServer constructs an API server over manager, bound to addr. settle
// may be nil in deployments that never settle on-chain. defaultDepositUSDC
// is the session.defaultDepositUsdc configuration value, used by
// handleOpenSession when the caller omits depositUsdc from the request
// body.
func NewServer(addr string, manager *session.Manager, engine *policy.Engine, auditLog *audit.Log, settle *settlement.Client, defaultDepositUSDC string) *Server {
	return &Server{
		addr:               addr,
		manager:            manager,
		engine:             engine,
		auditLog:           auditLog,
		settlement:         settle,
		defaultDepositUSDC: defaultDepositUSDC,
		startedAt:          time.Now().UTC(),
	}
}

// WithIdentityVerifier attaches the identity anchoring check (spec.md §6)
// that /api/status reports alongside uptime. name is the ENS-style name the
// kernel's policy hash is anchored under.
func (s *Server) WithIdentityVerifier(v *identity.Verifier, name string) *Server {
	s.identityVerifier = v
	s.identityName = name
	return s
}

// Start runs the HTTP server until ctx is canceled or ListenAndServe fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/simulate", s.handleSimulate)
	mux.HandleFunc("/api/swap", s.handleSwap)
	mux.HandleFunc("/api/policy", s.handlePolicy)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/status", s.handleStatus)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, withCORS(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withCORS permits cross-origin use by the dashboard (spec.md §6).
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, mcptool.Response{Success: false, Error: "server shutting down", Timestamp: time.Now().UTC()})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, mcptool.Response{Success: false, Error: err.Error(), Timestamp: time.Now().UTC()})
}

// handleSession implements GET/POST/DELETE /api/session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleOpenSession(w, r)
	case http.MethodGet:
		s.handleGetSession(w, r)
	case http.MethodDelete:
		s.handleCloseSession(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("session endpoint supports GET/POST/DELETE"))
	}
}

type openSessionRequest struct {
	DepositUSDC string `json:"depositUsdc"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DepositUSDC == "" {
		req.DepositUSDC = s.defaultDepositUSDC
	}
	deposit, err := decimalToBaseUnits(req.DepositUSDC, policy.USDC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := s.manager.Open(r.Context(), deposit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	tool := mcptool.New(s.manager, s.settlement, state.SessionID)
	writeJSON(w, http.StatusCreated, tool.GetSessionBalance(r.Context(), mcptool.GetSessionBalanceRequest{}))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("sessionId is required"))
		return
	}
	tool := mcptool.New(s.manager, s.settlement, sessionID)
	resp := tool.GetSessionBalance(r.Context(), mcptool.GetSessionBalanceRequest{})
	writeJSON(w, statusForResponse(resp), resp)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("sessionId is required"))
		return
	}
	tool := mcptool.New(s.manager, s.settlement, sessionID)
	resp := tool.CloseSessionAndSettle(r.Context(), struct{}{})
	writeJSON(w, statusForResponse(resp), resp)
}

type swapRequest struct {
	SessionID string       `json:"sessionId"`
	TokenIn   policy.Asset `json:"tokenIn"`
	TokenOut  policy.Asset `json:"tokenOut"`
	Amount    string       `json:"amount"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("simulate endpoint supports POST"))
		return
	}
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tool := mcptool.New(s.manager, s.settlement, req.SessionID)
	resp := tool.SimulateSwap(r.Context(), mcptool.SimulateSwapRequest{TokenIn: req.TokenIn, TokenOut: req.TokenOut, Amount: req.Amount})
	writeJSON(w, statusForResponse(resp), resp)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("swap endpoint supports POST"))
		return
	}
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tool := mcptool.New(s.manager, s.settlement, req.SessionID)
	resp := tool.ProposeSwap(r.Context(), mcptool.ProposeSwapRequest{TokenIn: req.TokenIn, TokenOut: req.TokenOut, Amount: req.Amount})
	writeJSON(w, http.StatusOK, resp) // a policy rejection is still a successful HTTP call
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("policy endpoint supports GET"))
		return
	}
	cfg := s.engine.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"maxTradeBps":    cfg.MaxTradeBps,
		"maxSlippageBps": cfg.MaxSlippageBps,
		"allowedDexes":   cfg.AllowedDexes,
		"allowedAssets":  cfg.AllowedAssets,
		"policyHash":     "0x" + s.engine.Hash().String(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("audit endpoint supports GET"))
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	writeJSON(w, http.StatusOK, s.auditLog.Entries(sessionID))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("status endpoint supports GET"))
		return
	}
	body := map[string]interface{}{
		"status":     "ok",
		"startedAt":  s.startedAt,
		"uptime":     time.Since(s.startedAt).String(),
		"policyHash": "0x" + s.engine.Hash().String(),
	}

	if s.identityVerifier != nil && s.identityName != "" {
		result, err := s.identityVerifier.Verify(r.Context(), s.identityName, s.engine.Hash())
		if err != nil {
			body["identity"] = map[string]interface{}{"error": err.Error()}
		} else {
			body["identity"] = result
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func statusForResponse(resp mcptool.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

func decimalToBaseUnits(amount string, asset policy.Asset) (*big.Int, error) {
	meta, ok := policy.Meta(asset)
	if !ok {
		return nil, errors.New("unsupported asset")
	}
	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, errors.New("invalid decimal amount")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(meta.Decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, errors.New("amount has more precision than the asset's decimals")
	}
	return r.Num(), nil
}
