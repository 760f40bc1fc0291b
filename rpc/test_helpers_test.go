package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"bondsettle/core"
	"bondsettle/core/events"
	"bondsettle/core/genesis"
	"bondsettle/crypto"
	"bondsettle/native/cash"
	"bondsettle/native/settlement"
	"bondsettle/storage"
)

// 2026-01-01T00:00:00Z, matching the genesis file the env writes.
const testGenesisUnix int64 = 1_767_225_600

type testEnv struct {
	server *Server
	node   *core.Node
	token  string
	clock  *testClock
	vault  [20]byte

	regulator [20]byte
	treasury  [20]byte
	issuer    [20]byte
	seller    [20]byte
	buyer     [20]byte
	series    [32]byte
}

type testClock struct {
	seconds int64
}

func (c *testClock) Now() int64 { return c.seconds }

func (c *testClock) Advance(seconds int64) { c.seconds += seconds }

func testAccount(b byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{b}, 20))
	return addr
}

func bech(addr [20]byte) string {
	return crypto.AddressFromBytes(addr).String()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		token:     "test-token",
		clock:     &testClock{seconds: testGenesisUnix + 60},
		regulator: testAccount(0xA1),
		treasury:  testAccount(0xA2),
		issuer:    testAccount(0xA3),
		seller:    testAccount(0x01),
		buyer:     testAccount(0x02),
	}
	env.series[0] = 0xB0

	t.Setenv(envAuthToken, env.token)

	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })

	node, err := core.NewNode(db, writeGenesis(t, env), false)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	node.SetNowFunc(env.clock.Now)

	journal, err := events.OpenJournal(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	node.SetJournal(journal)

	env.node = node
	env.vault = node.SettlementVaultAddress()
	env.server = NewServer(node)
	return env
}

func writeGenesis(t *testing.T, env *testEnv) string {
	t.Helper()
	seriesID := "0x" + hex.EncodeToString(env.series[:])
	spec := &genesis.GenesisSpec{
		GenesisTime:       "2026-01-01T00:00:00Z",
		SettlementTimeout: 7200,
		Roles: map[string][]string{
			settlement.RoleRegulator: {bech(env.regulator)},
			cash.RoleTreasury:        {bech(env.treasury)},
		},
		Participants: []string{bech(env.seller), bech(env.buyer)},
		BondSeries: []genesis.BondSeriesSpec{
			{ID: seriesID, Symbol: "GOVT-2031", Issuer: bech(env.issuer), Maturity: testGenesisUnix + 5*365*86_400},
		},
		BondPositions: []genesis.BondPositionSpec{
			{Series: seriesID, Holder: bech(env.seller), Amount: "500"},
		},
		CashBalances: map[string]string{bech(env.buyer): "1000000"},
	}
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal genesis: %v", err)
	}
	path := filepath.Join(t.TempDir(), "genesis.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	return path
}

func (env *testEnv) seriesID() string {
	return "0x" + hex.EncodeToString(env.series[:])
}

// invoke drives a call through the full dispatch path, bearer token
// included, and returns the decoded result or error.
func (env *testEnv) invoke(t *testing.T, method string, params interface{}) (json.RawMessage, *RPCError) {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": jsonRPCVersion, "id": 1, "method": method}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.token)
	rec := httptest.NewRecorder()
	env.server.handle(rec, req)
	return decodeRPCResponse(t, rec)
}

// approveLegs grants the settlement vault the allowances the fixture trade
// needs on both ledgers.
func (env *testEnv) approveLegs(t *testing.T) {
	t.Helper()
	if _, rpcErr := env.invoke(t, "bond_approve", map[string]interface{}{
		"id": env.seriesID(), "owner": bech(env.seller), "spender": bech(env.vault), "amount": "500",
	}); rpcErr != nil {
		t.Fatalf("bond approve: %+v", rpcErr)
	}
	if _, rpcErr := env.invoke(t, "cash_approve", map[string]interface{}{
		"owner": bech(env.buyer), "spender": bech(env.vault), "amount": "1000000",
	}); rpcErr != nil {
		t.Fatalf("cash approve: %+v", rpcErr)
	}
}

func (env *testEnv) create(t *testing.T) settlementJSON {
	t.Helper()
	result, rpcErr := env.invoke(t, "settlement_create", map[string]interface{}{
		"seller":        bech(env.seller),
		"buyer":         bech(env.buyer),
		"bond":          env.seriesID(),
		"bondAmount":    "500",
		"paymentAmount": "1000000",
	})
	if rpcErr != nil {
		t.Fatalf("create: %+v", rpcErr)
	}
	return decodeSettlementJSON(t, result)
}

func decodeSettlementJSON(t *testing.T, raw json.RawMessage) settlementJSON {
	t.Helper()
	var out settlementJSON
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode settlement json: %v", err)
	}
	return out
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}
