package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func postJSON(t *testing.T, env *testEnv, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	env.server.handle(rec, req)
	return rec
}

func TestHandleRejectsNonPost(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	env.server.handle(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rec.Code)
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", rpcErr)
	}
}

func TestHandleRejectsEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	rec := postJSON(t, env, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", rpcErr)
	}
}

func TestHandleRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	rec := postJSON(t, env, "{not-json", nil)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", rpcErr)
	}
}

func TestHandleRejectsUnsupportedVersion(t *testing.T) {
	env := newTestEnv(t)
	rec := postJSON(t, env, `{"jsonrpc":"1.0","id":1,"method":"settlement_info","params":[]}`, nil)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", rpcErr)
	}
}

func TestHandleRejectsUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	rec := postJSON(t, env, `{"jsonrpc":"2.0","id":1,"method":"settlement_teleport","params":[]}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", rpcErr)
	}
}

func TestHandleRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	oversized := `{"jsonrpc":"2.0","id":1,"method":"settlement_info","params":["` + strings.Repeat("a", maxRequestBytes) + `"]}`
	rec := postJSON(t, env, oversized, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", rec.Code)
	}
}

func TestMutationRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)
	body := `{"jsonrpc":"2.0","id":1,"method":"settlement_pause","params":[{"caller":"` + bech(env.regulator) + `"}]}`

	rec := postJSON(t, env, body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", rpcErr)
	}

	rec = postJSON(t, env, body, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong-token")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	rec = postJSON(t, env, body, func(r *http.Request) {
		r.Header.Set("Authorization", "Basic "+env.token)
	})
	_, rpcErr = decodeRPCResponse(t, rec)
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected bearer scheme rejection, got %+v", rpcErr)
	}

	if env.node.SettlementPaused() {
		t.Fatalf("pause must not take effect without valid credentials")
	}
}

func TestReadsDoNotRequireToken(t *testing.T) {
	env := newTestEnv(t)
	rec := postJSON(t, env, `{"jsonrpc":"2.0","id":1,"method":"settlement_info","params":[]}`, nil)
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	var info settlementInfoResult
	if err := json.Unmarshal(result, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Paused {
		t.Fatalf("fresh node must not be paused")
	}
	if info.Timeout != 7200 {
		t.Fatalf("expected genesis timeout 7200 got %d", info.Timeout)
	}
	if info.Vault != bech(env.vault) {
		t.Fatalf("vault mismatch: %s", info.Vault)
	}
}

func TestAllowSourceWindow(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	for i := 0; i < maxWritesPerWindow; i++ {
		if !env.server.allowSource("10.0.0.5", now) {
			t.Fatalf("request %d should not be limited", i)
		}
	}
	if env.server.allowSource("10.0.0.5", now) {
		t.Fatalf("request past the window budget should be limited")
	}
	if !env.server.allowSource("10.0.0.6", now) {
		t.Fatalf("a different source must not share the budget")
	}
	if !env.server.allowSource("10.0.0.5", now.Add(rateLimitWindow)) {
		t.Fatalf("budget should reset after the window elapses")
	}
}

func TestClientSourcePrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if source := clientSource(req); source != "203.0.113.9" {
		t.Fatalf("expected forwarded client, got %q", source)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	if source := clientSource(req); source != "10.0.0.5" {
		t.Fatalf("expected remote host, got %q", source)
	}
}

func TestWriteErrorOmitsBodyStatusForOK(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusOK, 7, codeServerError, "internal_error", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeServerError {
		t.Fatalf("expected error payload, got %+v", resp.Error)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"id":7`)) {
		t.Fatalf("expected id echo in %s", rec.Body.String())
	}
}
