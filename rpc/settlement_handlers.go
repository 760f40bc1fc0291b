package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"bondsettle/crypto"
	"bondsettle/native/settlement"
)

const (
	codeSettlementInvalidParams = -32021
	codeSettlementNotFound      = -32022
	codeSettlementForbidden     = -32023
	codeSettlementConflict      = -32024
	codeSettlementInternal      = -32025
)

type settlementCreateParams struct {
	Seller        string `json:"seller"`
	Buyer         string `json:"buyer"`
	Bond          string `json:"bond"`
	BondAmount    string `json:"bondAmount"`
	PaymentAmount string `json:"paymentAmount"`
}

type settlementIDParams struct {
	ID uint64 `json:"id"`
}

type settlementActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type settlementCancelParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Reason string `json:"reason,omitempty"`
}

type settlementListParams struct {
	Participant string `json:"participant"`
	Offset      int    `json:"offset,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type settlementTimeoutParams struct {
	Caller  string `json:"caller"`
	Seconds int64  `json:"seconds"`
}

type settlementAdminParams struct {
	Caller string `json:"caller"`
}

// settlementJSON mirrors a stored settlement for RPC consumers. Amounts are
// decimal strings, addresses bech32, the bond series a 0x-prefixed hash.
type settlementJSON struct {
	ID               uint64 `json:"id"`
	Seller           string `json:"seller"`
	Buyer            string `json:"buyer"`
	Bond             string `json:"bond"`
	BondAmount       string `json:"bondAmount"`
	PaymentAmount    string `json:"paymentAmount"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
	ExpiresAt        int64  `json:"expiresAt"`
	ExecutedAt       int64  `json:"executedAt,omitempty"`
	BondDeposited    bool   `json:"bondDeposited"`
	PaymentDeposited bool   `json:"paymentDeposited"`
}

type settlementCanExecuteResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type settlementInfoResult struct {
	Paused  bool   `json:"paused"`
	Timeout int64  `json:"timeoutSeconds"`
	Vault   string `json:"vault"`
}

func (s *Server) handleSettlementCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params settlementCreateParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("seller: %v", err))
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("buyer: %v", err))
		return
	}
	series, err := parseSeriesID(params.Bond)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", err.Error())
		return
	}
	bondAmount, err := parsePositiveBigInt(params.BondAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("bondAmount: %v", err))
		return
	}
	paymentAmount, err := parsePositiveBigInt(params.PaymentAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("paymentAmount: %v", err))
		return
	}
	record, err := s.node.SettlementCreate(seller, buyer, series, bondAmount, paymentAmount)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSettlementJSON(record))
}

func (s *Server) handleSettlementGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params settlementIDParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	record, err := s.node.SettlementGet(params.ID)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSettlementJSON(record))
}

// handleSettlementTransition serves the caller-addressed lifecycle moves
// that share the {id, caller} parameter shape: both deposits and the
// expired-refund claim.
func (s *Server) handleSettlementTransition(w http.ResponseWriter, req *RPCRequest, fn func(uint64, [20]byte) (*settlement.Settlement, error)) {
	var params settlementActorParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	record, err := fn(params.ID, caller)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSettlementJSON(record))
}

func (s *Server) handleSettlementExecute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params settlementIDParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	record, err := s.node.SettlementExecute(params.ID)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSettlementJSON(record))
}

func (s *Server) handleSettlementCancel(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params settlementCancelParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	record, err := s.node.SettlementCancel(params.ID, caller, params.Reason)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSettlementJSON(record))
}

func (s *Server) handleSettlementCanExecute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params settlementIDParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	ok, reason, err := s.node.SettlementCanExecute(params.ID)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, settlementCanExecuteResult{OK: ok, Reason: reason})
}

func (s *Server) handleSettlementList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params settlementListParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	participant, err := parseBech32Address(params.Participant)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("participant: %v", err))
		return
	}
	records, err := s.node.SettlementsByParticipant(participant, params.Offset, params.Limit)
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	out := make([]settlementJSON, 0, len(records))
	for _, record := range records {
		out = append(out, formatSettlementJSON(record))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleSettlementSetTimeout(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params settlementTimeoutParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	if err := s.node.SettlementSetTimeout(caller, params.Seconds); err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleSettlementPause(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleSettlementAdmin(w, req, s.node.SettlementPause)
}

func (s *Server) handleSettlementResume(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleSettlementAdmin(w, req, s.node.SettlementResume)
}

func (s *Server) handleSettlementAdmin(w http.ResponseWriter, req *RPCRequest, fn func([20]byte) error) {
	var params settlementAdminParams
	if !decodeSingleParam(w, req, codeSettlementInvalidParams, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	if err := fn(caller); err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleSettlementInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeSettlementInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	timeout, err := s.node.SettlementTimeout()
	if err != nil {
		writeSettlementError(w, req.ID, err)
		return
	}
	vault := s.node.SettlementVaultAddress()
	writeResult(w, req.ID, settlementInfoResult{
		Paused:  s.node.SettlementPaused(),
		Timeout: timeout,
		Vault:   crypto.AddressFromBytes(vault).String(),
	})
}

func formatSettlementJSON(record *settlement.Settlement) settlementJSON {
	if record == nil {
		return settlementJSON{}
	}
	return settlementJSON{
		ID:               record.ID,
		Seller:           crypto.AddressFromBytes(record.Seller).String(),
		Buyer:            crypto.AddressFromBytes(record.Buyer).String(),
		Bond:             formatSeriesID(record.Bond),
		BondAmount:       bigString(record.BondAmount),
		PaymentAmount:    bigString(record.PaymentAmount),
		Status:           record.Status.String(),
		CreatedAt:        record.CreatedAt,
		ExpiresAt:        record.ExpiresAt,
		ExecutedAt:       record.ExecutedAt,
		BondDeposited:    record.BondDeposited,
		PaymentDeposited: record.PaymentDeposited,
	}
}

// writeSettlementError maps engine errors onto the settlement code block
// using the error taxonomy. Unknown and adapter failures stay internal.
func writeSettlementError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeSettlementInternal
	message := "internal_error"
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		status = http.StatusNotFound
		code = codeSettlementNotFound
		message = "not_found"
	default:
		switch settlement.Classify(err) {
		case settlement.ClassValidation:
			status = http.StatusBadRequest
			code = codeSettlementInvalidParams
			message = "invalid_params"
		case settlement.ClassAuthorization:
			status = http.StatusForbidden
			code = codeSettlementForbidden
			message = "forbidden"
		case settlement.ClassState, settlement.ClassTiming:
			status = http.StatusConflict
			code = codeSettlementConflict
			message = "conflict"
		}
	}
	writeError(w, status, id, code, message, err.Error())
}

// decodeSingleParam unmarshals the single positional parameter object every
// method expects. It writes the error response and reports false on failure.
func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, code int, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, code, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, code, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseBech32Address(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	addr, err := crypto.ParseAccount(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Fixed(), nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	amount, err := parseNonNegativeBigInt(value)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseSeriesID(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if len(trimmed) != 64 {
		return id, fmt.Errorf("series id must be 32 bytes of hex")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid series id: %w", err)
	}
	copy(id[:], raw)
	return id, nil
}

func formatSeriesID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
