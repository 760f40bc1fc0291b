package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bondsettle/observability"
	"bondsettle/services/settlement-gateway/config"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB

	nodeWriteTimeout = 15 * time.Second
	nodeReadTimeout  = 10 * time.Second
)

// Server is the REST facade over the settlement node RPC. Mutations demand an
// Idempotency-Key and replay cached responses; every authenticated call lands
// in the audit log.
type Server struct {
	auth    *Authenticator
	limiter *RateLimiter
	node    NodeClient
	store   *Store
	queue   *WebhookQueue
	metrics *observability.GatewayMetrics
	router  http.Handler
	nowFn   func() time.Time
}

func NewServer(auth *Authenticator, limiter *RateLimiter, node NodeClient, store *Store, queue *WebhookQueue) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("store required")
	}
	if limiter == nil {
		limiter = NewRateLimiter(config.RateConfig{})
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	s := &Server{
		auth:    auth,
		limiter: limiter,
		node:    node,
		store:   store,
		queue:   queue,
		metrics: observability.Gateway(),
		nowFn:   time.Now,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler wraps the router with OpenTelemetry HTTP instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "settlement-gateway")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			read.Use(s.auth.Middleware(ScopeRead))
			read.Use(s.limiter.Middleware)
			read.Get("/settlements", s.handleSettlementList)
			read.Get("/settlements/{id}", s.handleSettlementGet)
			read.Get("/settlements/{id}/can-execute", s.handleSettlementCanExecute)
			read.Get("/info", s.handleInfo)
		})
		api.Group(func(write chi.Router) {
			write.Use(s.auth.Middleware(ScopeWrite))
			write.Use(s.limiter.Middleware)
			write.Post("/settlements", s.handleSettlementCreate)
			write.Post("/settlements/{id}/deposit-delivery", s.handleDepositDelivery)
			write.Post("/settlements/{id}/deposit-payment", s.handleDepositPayment)
			write.Post("/settlements/{id}/execute", s.handleExecute)
			write.Post("/settlements/{id}/cancel", s.handleCancel)
			write.Post("/settlements/{id}/claim-expired", s.handleClaimExpired)
			write.Post("/webhooks", s.handleWebhookCreate)
			write.Get("/webhooks", s.handleWebhookList)
			write.Delete("/webhooks/{id}", s.handleWebhookDelete)
		})
		api.Group(func(admin chi.Router) {
			admin.Use(s.auth.Middleware(ScopeAdmin))
			admin.Use(s.limiter.Middleware)
			admin.Post("/admin/pause", s.handlePause)
			admin.Post("/admin/resume", s.handleResume)
			admin.Put("/admin/timeout", s.handleSetTimeout)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","pendingWebhooks":%d}`, s.queue.Pending())
}

func (s *Server) handleSettlementCreate(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, http.StatusCreated, func(ctx context.Context, body []byte) ([]byte, error) {
		var req CreateSettlementRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if err := validateCreateRequest(req); err != nil {
			return nil, &requestError{status: http.StatusBadRequest, err: err}
		}
		return s.node.SettlementCreate(ctx, req)
	})
}

func (s *Server) handleDepositDelivery(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.node.SettlementDepositDelivery)
}

func (s *Server) handleDepositPayment(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.node.SettlementDepositPayment)
}

func (s *Server) handleClaimExpired(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.node.SettlementClaimExpired)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uint64, string) (json.RawMessage, error)) {
	s.idempotent(w, r, http.StatusOK, func(ctx context.Context, body []byte) ([]byte, error) {
		id, err := settlementID(r)
		if err != nil {
			return nil, &requestError{status: http.StatusBadRequest, err: err}
		}
		var req actorRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return nil, badRequest("caller is required")
		}
		return fn(ctx, id, req.Caller)
	})
}

// handleExecute cranks a fully funded settlement. The move is permissionless
// on the node, so no caller is demanded.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, http.StatusOK, func(ctx context.Context, _ []byte) ([]byte, error) {
		id, err := settlementID(r)
		if err != nil {
			return nil, &requestError{status: http.StatusBadRequest, err: err}
		}
		return s.node.SettlementExecute(ctx, id)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, http.StatusOK, func(ctx context.Context, body []byte) ([]byte, error) {
		id, err := settlementID(r)
		if err != nil {
			return nil, &requestError{status: http.StatusBadRequest, err: err}
		}
		var req cancelRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return nil, badRequest("caller is required")
		}
		return s.node.SettlementCancel(ctx, id, req.Caller, strings.TrimSpace(req.Reason))
	})
}

func (s *Server) handleSettlementGet(w http.ResponseWriter, r *http.Request) {
	id, err := settlementID(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	s.proxyRead(w, r, func(ctx context.Context) (json.RawMessage, error) {
		return s.node.SettlementGet(ctx, id)
	})
}

func (s *Server) handleSettlementCanExecute(w http.ResponseWriter, r *http.Request) {
	id, err := settlementID(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	s.proxyRead(w, r, func(ctx context.Context) (json.RawMessage, error) {
		return s.node.SettlementCanExecute(ctx, id)
	})
}

func (s *Server) handleSettlementList(w http.ResponseWriter, r *http.Request) {
	participant := strings.TrimSpace(r.URL.Query().Get("participant"))
	if participant == "" {
		s.respondError(w, r, http.StatusBadRequest, errors.New("participant query parameter is required"))
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	s.proxyRead(w, r, func(ctx context.Context) (json.RawMessage, error) {
		return s.node.SettlementList(ctx, participant, offset, limit)
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.proxyRead(w, r, func(ctx context.Context) (json.RawMessage, error) {
		return s.node.SettlementInfo(ctx)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleAdminToggle(w, r, s.node.SettlementPause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleAdminToggle(w, r, s.node.SettlementResume)
}

func (s *Server) handleAdminToggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	s.idempotent(w, r, http.StatusOK, func(ctx context.Context, body []byte) ([]byte, error) {
		var req actorRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return nil, badRequest("caller is required")
		}
		if err := fn(ctx, req.Caller); err != nil {
			return nil, err
		}
		return []byte(`{"status":"ok"}`), nil
	})
}

func (s *Server) handleSetTimeout(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, http.StatusOK, func(ctx context.Context, body []byte) ([]byte, error) {
		var req timeoutRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return nil, badRequest("caller is required")
		}
		if req.Seconds == 0 {
			return nil, badRequest("seconds must be positive")
		}
		if err := s.node.SettlementSetTimeout(ctx, req.Caller, req.Seconds); err != nil {
			return nil, err
		}
		return []byte(`{"status":"ok"}`), nil
	})
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, http.StatusCreated, func(ctx context.Context, body []byte) ([]byte, error) {
		var req webhookCreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if err := validateWebhookCreate(req); err != nil {
			return nil, &requestError{status: http.StatusBadRequest, err: err}
		}
		id, err := s.store.InsertWebhook(ctx, WebhookSubscription{
			Subject:   SubjectFromContext(r.Context()),
			EventType: strings.TrimSpace(req.EventType),
			URL:       strings.TrimSpace(req.URL),
			Secret:    req.Secret,
			RateLimit: req.RateLimit,
			Active:    true,
			CreatedAt: s.nowFn().UTC(),
		})
		if err != nil {
			return nil, &requestError{status: http.StatusInternalServerError, err: err}
		}
		return json.Marshal(map[string]interface{}{"id": id})
	})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListWebhooksBySubject(r.Context(), SubjectFromContext(r.Context()))
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]webhookJSON, 0, len(subs))
	for _, sub := range subs {
		out = append(out, webhookJSON{
			ID:        sub.ID,
			EventType: sub.EventType,
			URL:       sub.URL,
			RateLimit: sub.RateLimit,
			Active:    sub.Active,
			CreatedAt: sub.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
	s.audit(r, nil, http.StatusOK, payload)
}

// handleWebhookDelete deactivates a subscription. Deletion is already
// idempotent, so no Idempotency-Key is demanded.
func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, r, http.StatusBadRequest, errors.New("invalid webhook id"))
		return
	}
	ok, err := s.store.DeactivateWebhook(r.Context(), SubjectFromContext(r.Context()), id)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.respondError(w, r, http.StatusNotFound, errors.New("webhook not found"))
		return
	}
	payload := []byte(`{"status":"ok"}`)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
	s.audit(r, nil, http.StatusOK, payload)
}

// idempotent guards a mutation with the Idempotency-Key contract: cached
// responses replay verbatim, a reused key with a different payload conflicts,
// and fresh outcomes are stored before they are written.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, successStatus int, fn func(context.Context, []byte) ([]byte, error)) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	subject := SubjectFromContext(r.Context())
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.respondErrorBody(w, r, body, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), subject, key, requestHash)
	switch {
	case cacheErr == nil && cached != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.metrics.RecordIdempotentReplay()
		s.audit(r, body, cached.Status, cached.Body)
		return
	case errors.Is(cacheErr, ErrIdempotencyMismatch):
		s.respondErrorBody(w, r, body, http.StatusConflict, cacheErr)
		return
	case cacheErr != nil:
		s.respondErrorBody(w, r, body, http.StatusInternalServerError, cacheErr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeWriteTimeout)
	defer cancel()
	payload, err := fn(ctx, body)
	if err != nil {
		s.respondErrorBody(w, r, body, statusForError(err), err)
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), subject, key, requestHash, successStatus, payload); err != nil {
		s.respondErrorBody(w, r, body, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(successStatus)
	_, _ = w.Write(payload)
	s.audit(r, body, successStatus, payload)
}

func (s *Server) proxyRead(w http.ResponseWriter, r *http.Request, fn func(context.Context) (json.RawMessage, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), nodeReadTimeout)
	defer cancel()
	payload, err := fn(ctx)
	if err != nil {
		s.respondError(w, r, statusForError(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
	s.audit(r, nil, http.StatusOK, payload)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.respondErrorBody(w, r, nil, status, err)
}

func (s *Server) respondErrorBody(w http.ResponseWriter, r *http.Request, requestBody []byte, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	payload := errorBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r, requestBody, status, payload)
}

func (s *Server) audit(r *http.Request, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		Subject:        SubjectFromContext(r.Context()),
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	_ = s.store.InsertAuditLog(r.Context(), entry)
}

type actorRequest struct {
	Caller string `json:"caller"`
}

type cancelRequest struct {
	Caller string `json:"caller"`
	Reason string `json:"reason,omitempty"`
}

type timeoutRequest struct {
	Caller  string `json:"caller"`
	Seconds uint64 `json:"seconds"`
}

type webhookCreateRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

// webhookJSON is the subscription listing shape. Secrets never leave the
// store.
type webhookJSON struct {
	ID        int64  `json:"id"`
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	RateLimit int    `json:"rateLimit"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

// requestError carries a facade-level HTTP status alongside the cause.
type requestError struct {
	status int
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func badRequest(format string, args ...interface{}) *requestError {
	return &requestError{status: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

func statusForError(err error) int {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.status
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return statusForNodeCode(nodeErr.Code)
	}
	return http.StatusBadGateway
}

// statusForNodeCode maps the node's settlement error block onto facade
// statuses. Anything unrecognised is treated as an upstream failure.
func statusForNodeCode(code int) int {
	switch code {
	case -32021, -32602:
		return http.StatusBadRequest
	case -32022:
		return http.StatusNotFound
	case -32023:
		return http.StatusForbidden
	case -32024:
		return http.StatusConflict
	case -32020:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func validateCreateRequest(req CreateSettlementRequest) error {
	if strings.TrimSpace(req.Seller) == "" {
		return errors.New("seller is required")
	}
	if strings.TrimSpace(req.Buyer) == "" {
		return errors.New("buyer is required")
	}
	if strings.TrimSpace(req.Bond) == "" {
		return errors.New("bond is required")
	}
	if strings.TrimSpace(req.BondAmount) == "" {
		return errors.New("bondAmount is required")
	}
	if strings.TrimSpace(req.PaymentAmount) == "" {
		return errors.New("paymentAmount is required")
	}
	return nil
}

func validateWebhookCreate(req webhookCreateRequest) error {
	if strings.TrimSpace(req.EventType) == "" {
		return errors.New("eventType is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("url must be an absolute http or https URL")
	}
	if strings.TrimSpace(req.Secret) == "" {
		return errors.New("secret is required")
	}
	if req.RateLimit < 0 {
		return errors.New("rateLimit must not be negative")
	}
	return nil
}

func settlementID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid settlement id %q", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := fmt.Sprintf(`{"error":"%s"}`, strings.ReplaceAll(message, `"`, "'"))
	_, _ = w.Write([]byte(payload))
}

func errorBody(err error) []byte {
	return []byte(fmt.Sprintf(`{"error":"%s"}`, strings.ReplaceAll(err.Error(), `"`, "'")))
}
