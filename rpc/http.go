package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"bondsettle/core"
	"bondsettle/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	// Writes per source per window. Reads are not limited.
	maxWritesPerWindow = 60
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// envAuthToken names the environment variable holding the shared bearer
// token required for every mutating method.
const envAuthToken = "BSN_RPC_TOKEN"

type rateLimiter struct {
	count       int
	windowStart time.Time
}

type Server struct {
	node *core.Node

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string
	httpServer   *http.Server
}

func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv(envAuthToken))
	return &Server{
		node:         node,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    token,
	}
}

// Start serves the JSON-RPC endpoint on "/" and the websocket event stream
// on "/ws/events" until the listener fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()
	slog.Info("starting JSON-RPC server", "addr", addr)
	return server.ListenAndServe()
}

// Shutdown stops the listener and waits for inflight requests to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := s.serveRPC(rec, r)
	if method == "" {
		method = "unknown"
	}
	observability.ModuleMetrics().Observe(methodModule(method), method, rec.status, time.Since(start))
}

// serveRPC decodes and dispatches a single JSON-RPC call. It returns the
// method name once one has been parsed so the caller can label metrics.
func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return ""
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return ""
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return ""
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return ""
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return req.Method
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return ""
	}

	switch req.Method {
	case "settlement_create":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementCreate(w, r, req)
	case "settlement_get":
		s.handleSettlementGet(w, r, req)
	case "settlement_depositDelivery":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementTransition(w, req, s.node.SettlementDepositDelivery)
	case "settlement_depositPayment":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementTransition(w, req, s.node.SettlementDepositPayment)
	case "settlement_execute":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementExecute(w, r, req)
	case "settlement_cancel":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementCancel(w, r, req)
	case "settlement_claimExpired":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementTransition(w, req, s.node.SettlementClaimExpired)
	case "settlement_canExecute":
		s.handleSettlementCanExecute(w, r, req)
	case "settlement_listByParticipant":
		s.handleSettlementList(w, r, req)
	case "settlement_setTimeout":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementSetTimeout(w, r, req)
	case "settlement_pause":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementPause(w, r, req)
	case "settlement_resume":
		if !s.guardWrite(w, r, req, "settlement") {
			return req.Method
		}
		s.handleSettlementResume(w, r, req)
	case "settlement_info":
		s.handleSettlementInfo(w, r, req)
	case "bond_registerSeries":
		if !s.guardWrite(w, r, req, "bond") {
			return req.Method
		}
		s.handleBondRegisterSeries(w, r, req)
	case "bond_setSeriesStatus":
		if !s.guardWrite(w, r, req, "bond") {
			return req.Method
		}
		s.handleBondSetSeriesStatus(w, r, req)
	case "bond_mint":
		if !s.guardWrite(w, r, req, "bond") {
			return req.Method
		}
		s.handleBondMint(w, r, req)
	case "bond_approve":
		if !s.guardWrite(w, r, req, "bond") {
			return req.Method
		}
		s.handleBondApprove(w, r, req)
	case "bond_series":
		s.handleBondSeries(w, r, req)
	case "bond_listSeries":
		s.handleBondListSeries(w, r, req)
	case "bond_balance":
		s.handleBondBalance(w, r, req)
	case "bond_allowance":
		s.handleBondAllowance(w, r, req)
	case "cash_mint":
		if !s.guardWrite(w, r, req, "cash") {
			return req.Method
		}
		s.handleCashMint(w, r, req)
	case "cash_approve":
		if !s.guardWrite(w, r, req, "cash") {
			return req.Method
		}
		s.handleCashApprove(w, r, req)
	case "cash_balance":
		s.handleCashBalance(w, r, req)
	case "cash_allowance":
		s.handleCashAllowance(w, r, req)
	case "compliance_setEligibility":
		if !s.guardWrite(w, r, req, "compliance") {
			return req.Method
		}
		s.handleComplianceSetEligibility(w, r, req)
	case "compliance_check":
		s.handleComplianceCheck(w, r, req)
	case "role_grant":
		if !s.guardWrite(w, r, req, "role") {
			return req.Method
		}
		s.handleRoleGrant(w, r, req)
	case "role_members":
		s.handleRoleMembers(w, r, req)
	case "events_list":
		s.handleEventsList(w, r, req)
	case "events_lastSequence":
		s.handleEventsLastSequence(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
	return req.Method
}

// guardWrite enforces per-source rate limiting and bearer authentication
// for mutating methods. It writes the error response and reports false when
// the call must not proceed.
func (s *Server) guardWrite(w http.ResponseWriter, r *http.Request, req *RPCRequest, module string) bool {
	if !s.allowSource(clientSource(r), time.Now()) {
		observability.ModuleMetrics().RecordThrottle(module, "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return false
	}
	if authErr := s.requireAuth(r); authErr != nil {
		observability.ModuleMetrics().RecordThrottle(module, "auth_failed")
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxWritesPerWindow {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func methodModule(method string) string {
	if idx := strings.IndexByte(method, '_'); idx > 0 {
		return method[:idx]
	}
	return "rpc"
}
