package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSettlementCreateInvalidBech32(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]interface{}{
		"seller":        "invalid",
		"buyer":         bech(env.buyer),
		"bond":          env.seriesID(),
		"bondAmount":    "10",
		"paymentAmount": "20000",
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleSettlementCreate(rec, httptest.NewRequest(http.MethodPost, "/", nil), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeSettlementInvalidParams {
		t.Fatalf("expected code %d got %d", codeSettlementInvalidParams, rpcErr.Code)
	}
	if rpcErr.Message != "invalid_params" {
		t.Fatalf("expected message invalid_params got %s", rpcErr.Message)
	}
}

func TestSettlementCreateUnknownSeries(t *testing.T) {
	env := newTestEnv(t)
	_, rpcErr := env.invoke(t, "settlement_create", map[string]interface{}{
		"seller":        bech(env.seller),
		"buyer":         bech(env.buyer),
		"bond":          "0x" + strings.Repeat("ee", 32),
		"bondAmount":    "10",
		"paymentAmount": "20000",
	})
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeSettlementInvalidParams {
		t.Fatalf("expected code %d got %d", codeSettlementInvalidParams, rpcErr.Code)
	}
}

func TestSettlementGetNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, map[string]uint64{"id": 99})}}
	rec := httptest.NewRecorder()
	env.server.handleSettlementGet(rec, httptest.NewRequest(http.MethodPost, "/", nil), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeSettlementNotFound {
		t.Fatalf("expected code %d got %d", codeSettlementNotFound, rpcErr.Code)
	}
	if rpcErr.Message != "not_found" {
		t.Fatalf("expected message not_found got %s", rpcErr.Message)
	}
}

func TestSettlementLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.approveLegs(t)

	created := env.create(t)
	if created.ID != 1 {
		t.Fatalf("expected first id 1 got %d", created.ID)
	}
	if created.Status != "CREATED" {
		t.Fatalf("expected CREATED got %s", created.Status)
	}
	if created.Seller != bech(env.seller) || created.Buyer != bech(env.buyer) {
		t.Fatalf("party mismatch: %s / %s", created.Seller, created.Buyer)
	}
	if created.Bond != env.seriesID() {
		t.Fatalf("bond mismatch: %s", created.Bond)
	}
	if created.BondAmount != "500" || created.PaymentAmount != "1000000" {
		t.Fatalf("amount mismatch: %s / %s", created.BondAmount, created.PaymentAmount)
	}
	if created.ExpiresAt != created.CreatedAt+7200 {
		t.Fatalf("expected expiry %d got %d", created.CreatedAt+7200, created.ExpiresAt)
	}
	if created.ExecutedAt != 0 {
		t.Fatalf("executedAt must be zero before execution")
	}

	result, rpcErr := env.invoke(t, "settlement_depositDelivery", map[string]interface{}{
		"id": created.ID, "caller": bech(env.seller),
	})
	if rpcErr != nil {
		t.Fatalf("deposit delivery: %+v", rpcErr)
	}
	deposited := decodeSettlementJSON(t, result)
	if deposited.Status != "SELLER_DEPOSITED" || !deposited.BondDeposited {
		t.Fatalf("unexpected state after delivery: %+v", deposited)
	}

	result, rpcErr = env.invoke(t, "settlement_depositPayment", map[string]interface{}{
		"id": created.ID, "caller": bech(env.buyer),
	})
	if rpcErr != nil {
		t.Fatalf("deposit payment: %+v", rpcErr)
	}
	funded := decodeSettlementJSON(t, result)
	if funded.Status != "FULLY_FUNDED" || !funded.PaymentDeposited {
		t.Fatalf("unexpected state after payment: %+v", funded)
	}

	result, rpcErr = env.invoke(t, "settlement_canExecute", map[string]interface{}{"id": created.ID})
	if rpcErr != nil {
		t.Fatalf("canExecute: %+v", rpcErr)
	}
	var can settlementCanExecuteResult
	if err := json.Unmarshal(result, &can); err != nil {
		t.Fatalf("decode canExecute: %v", err)
	}
	if !can.OK || can.Reason != "" {
		t.Fatalf("expected executable settlement, got %+v", can)
	}

	result, rpcErr = env.invoke(t, "settlement_execute", map[string]interface{}{"id": created.ID})
	if rpcErr != nil {
		t.Fatalf("execute: %+v", rpcErr)
	}
	executed := decodeSettlementJSON(t, result)
	if executed.Status != "EXECUTED" {
		t.Fatalf("expected EXECUTED got %s", executed.Status)
	}
	if executed.ExecutedAt != env.clock.Now() {
		t.Fatalf("expected executedAt %d got %d", env.clock.Now(), executed.ExecutedAt)
	}

	result, rpcErr = env.invoke(t, "bond_balance", map[string]interface{}{
		"id": env.seriesID(), "address": bech(env.buyer),
	})
	if rpcErr != nil {
		t.Fatalf("bond balance: %+v", rpcErr)
	}
	var bondBal bondBalanceResult
	if err := json.Unmarshal(result, &bondBal); err != nil {
		t.Fatalf("decode bond balance: %v", err)
	}
	if bondBal.Balance != "500" {
		t.Fatalf("expected buyer bond balance 500 got %s", bondBal.Balance)
	}

	result, rpcErr = env.invoke(t, "cash_balance", map[string]interface{}{"address": bech(env.seller)})
	if rpcErr != nil {
		t.Fatalf("cash balance: %+v", rpcErr)
	}
	var cashBal cashBalanceResult
	if err := json.Unmarshal(result, &cashBal); err != nil {
		t.Fatalf("decode cash balance: %v", err)
	}
	if cashBal.Balance != "1000000" {
		t.Fatalf("expected seller cash balance 1000000 got %s", cashBal.Balance)
	}

	result, rpcErr = env.invoke(t, "events_list", map[string]interface{}{})
	if rpcErr != nil {
		t.Fatalf("events list: %+v", rpcErr)
	}
	var evts []struct {
		Sequence   uint64            `json:"sequence"`
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.Unmarshal(result, &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts) != 4 {
		t.Fatalf("expected 4 lifecycle events got %d", len(evts))
	}
	wantTypes := []string{
		"settlement.created",
		"settlement.delivery_deposited",
		"settlement.payment_deposited",
		"settlement.executed",
	}
	for i, want := range wantTypes {
		if evts[i].Type != want {
			t.Fatalf("event %d: expected %s got %s", i, want, evts[i].Type)
		}
		if evts[i].Sequence != uint64(i+1) {
			t.Fatalf("event %d: expected sequence %d got %d", i, i+1, evts[i].Sequence)
		}
	}
	if evts[3].Attributes["status"] != "EXECUTED" {
		t.Fatalf("expected executed status attribute, got %v", evts[3].Attributes)
	}

	result, rpcErr = env.invoke(t, "events_lastSequence", nil)
	if rpcErr != nil {
		t.Fatalf("events last sequence: %+v", rpcErr)
	}
	var last uint64
	if err := json.Unmarshal(result, &last); err != nil {
		t.Fatalf("decode last sequence: %v", err)
	}
	if last != 4 {
		t.Fatalf("expected last sequence 4 got %d", last)
	}
}

func TestSettlementCancelForbiddenForOutsider(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t)

	_, rpcErr := env.invoke(t, "settlement_cancel", map[string]interface{}{
		"id": created.ID, "caller": bech(testAccount(0x77)), "reason": "nope",
	})
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeSettlementForbidden {
		t.Fatalf("expected code %d got %d", codeSettlementForbidden, rpcErr.Code)
	}
	if rpcErr.Message != "forbidden" {
		t.Fatalf("expected message forbidden got %s", rpcErr.Message)
	}

	result, rpcErr := env.invoke(t, "settlement_cancel", map[string]interface{}{
		"id": created.ID, "caller": bech(env.buyer), "reason": "credit check failed",
	})
	if rpcErr != nil {
		t.Fatalf("cancel: %+v", rpcErr)
	}
	cancelled := decodeSettlementJSON(t, result)
	if cancelled.Status != "CANCELLED" {
		t.Fatalf("expected CANCELLED got %s", cancelled.Status)
	}
}

func TestSettlementDoubleDepositConflict(t *testing.T) {
	env := newTestEnv(t)
	env.approveLegs(t)
	created := env.create(t)

	if _, rpcErr := env.invoke(t, "settlement_depositDelivery", map[string]interface{}{
		"id": created.ID, "caller": bech(env.seller),
	}); rpcErr != nil {
		t.Fatalf("first deposit: %+v", rpcErr)
	}
	_, rpcErr := env.invoke(t, "settlement_depositDelivery", map[string]interface{}{
		"id": created.ID, "caller": bech(env.seller),
	})
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeSettlementConflict {
		t.Fatalf("expected code %d got %d", codeSettlementConflict, rpcErr.Code)
	}
	if rpcErr.Message != "conflict" {
		t.Fatalf("expected message conflict got %s", rpcErr.Message)
	}
}

func TestSettlementExpiryMapsToConflict(t *testing.T) {
	env := newTestEnv(t)
	env.approveLegs(t)
	created := env.create(t)

	if _, rpcErr := env.invoke(t, "settlement_depositDelivery", map[string]interface{}{
		"id": created.ID, "caller": bech(env.seller),
	}); rpcErr != nil {
		t.Fatalf("deposit delivery: %+v", rpcErr)
	}
	if _, rpcErr := env.invoke(t, "settlement_depositPayment", map[string]interface{}{
		"id": created.ID, "caller": bech(env.buyer),
	}); rpcErr != nil {
		t.Fatalf("deposit payment: %+v", rpcErr)
	}

	env.clock.Advance(7201)

	_, rpcErr := env.invoke(t, "settlement_execute", map[string]interface{}{"id": created.ID})
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeSettlementConflict {
		t.Fatalf("expected code %d got %d", codeSettlementConflict, rpcErr.Code)
	}

	result, rpcErr := env.invoke(t, "settlement_claimExpired", map[string]interface{}{
		"id": created.ID, "caller": bech(testAccount(0x77)),
	})
	if rpcErr != nil {
		t.Fatalf("claim expired: %+v", rpcErr)
	}
	claimed := decodeSettlementJSON(t, result)
	if claimed.Status != "CANCELLED" {
		t.Fatalf("expected CANCELLED got %s", claimed.Status)
	}
	if claimed.BondDeposited || claimed.PaymentDeposited {
		t.Fatalf("deposit flags must clear on refund: %+v", claimed)
	}
}

func TestSettlementPauseLifecycle(t *testing.T) {
	env := newTestEnv(t)

	_, rpcErr := env.invoke(t, "settlement_pause", map[string]interface{}{"caller": bech(env.seller)})
	if rpcErr == nil || rpcErr.Code != codeSettlementForbidden {
		t.Fatalf("expected forbidden for non-regulator, got %+v", rpcErr)
	}

	if _, rpcErr := env.invoke(t, "settlement_pause", map[string]interface{}{"caller": bech(env.regulator)}); rpcErr != nil {
		t.Fatalf("pause: %+v", rpcErr)
	}

	_, rpcErr = env.invoke(t, "settlement_create", map[string]interface{}{
		"seller":        bech(env.seller),
		"buyer":         bech(env.buyer),
		"bond":          env.seriesID(),
		"bondAmount":    "10",
		"paymentAmount": "20000",
	})
	if rpcErr == nil || rpcErr.Code != codeSettlementConflict {
		t.Fatalf("expected conflict while paused, got %+v", rpcErr)
	}

	result, rpcErr := env.invoke(t, "settlement_info", nil)
	if rpcErr != nil {
		t.Fatalf("info: %+v", rpcErr)
	}
	var info settlementInfoResult
	if err := json.Unmarshal(result, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if !info.Paused {
		t.Fatalf("expected paused module")
	}

	if _, rpcErr := env.invoke(t, "settlement_resume", map[string]interface{}{"caller": bech(env.regulator)}); rpcErr != nil {
		t.Fatalf("resume: %+v", rpcErr)
	}
	if env.node.SettlementPaused() {
		t.Fatalf("module must resume")
	}
}

func TestSettlementSetTimeoutValidation(t *testing.T) {
	env := newTestEnv(t)

	_, rpcErr := env.invoke(t, "settlement_setTimeout", map[string]interface{}{
		"caller": bech(env.seller), "seconds": 3600,
	})
	if rpcErr == nil || rpcErr.Code != codeSettlementForbidden {
		t.Fatalf("expected forbidden for non-regulator, got %+v", rpcErr)
	}

	_, rpcErr = env.invoke(t, "settlement_setTimeout", map[string]interface{}{
		"caller": bech(env.regulator), "seconds": 60,
	})
	if rpcErr == nil || rpcErr.Code != codeSettlementInvalidParams {
		t.Fatalf("expected invalid params for 60s, got %+v", rpcErr)
	}

	if _, rpcErr := env.invoke(t, "settlement_setTimeout", map[string]interface{}{
		"caller": bech(env.regulator), "seconds": 3600,
	}); rpcErr != nil {
		t.Fatalf("set timeout: %+v", rpcErr)
	}

	created := env.create(t)
	if created.ExpiresAt != created.CreatedAt+3600 {
		t.Fatalf("expected new window 3600, got %d", created.ExpiresAt-created.CreatedAt)
	}
}

func TestSettlementListPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.create(t)
	}

	result, rpcErr := env.invoke(t, "settlement_listByParticipant", map[string]interface{}{
		"participant": bech(env.seller), "offset": 1, "limit": 1,
	})
	if rpcErr != nil {
		t.Fatalf("list: %+v", rpcErr)
	}
	var page []settlementJSON
	if err := json.Unmarshal(result, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page) != 1 || page[0].ID != 2 {
		t.Fatalf("expected page [2], got %+v", page)
	}

	result, rpcErr = env.invoke(t, "settlement_listByParticipant", map[string]interface{}{
		"participant": bech(testAccount(0x77)),
	})
	if rpcErr != nil {
		t.Fatalf("list stranger: %+v", rpcErr)
	}
	if err := json.Unmarshal(result, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page for stranger, got %+v", page)
	}
}

func TestSettlementCanExecuteReportsReason(t *testing.T) {
	env := newTestEnv(t)
	created := env.create(t)

	result, rpcErr := env.invoke(t, "settlement_canExecute", map[string]interface{}{"id": created.ID})
	if rpcErr != nil {
		t.Fatalf("canExecute: %+v", rpcErr)
	}
	var can settlementCanExecuteResult
	if err := json.Unmarshal(result, &can); err != nil {
		t.Fatalf("decode canExecute: %v", err)
	}
	if can.OK || can.Reason != "not fully funded" {
		t.Fatalf("expected funding reason, got %+v", can)
	}
}
