package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bondsettle/crypto"
	"bondsettle/native/bond"
	"bondsettle/native/cash"
)

const (
	codeBondInvalidParams = -32031
	codeBondNotFound      = -32032
	codeBondForbidden     = -32033
	codeBondConflict      = -32034
	codeBondInternal      = -32035
)

const (
	codeCashInvalidParams = -32041
	codeCashForbidden     = -32042
	codeCashConflict      = -32043
	codeCashInternal      = -32044
)

type bondRegisterParams struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Issuer   string `json:"issuer"`
	Maturity int64  `json:"maturity,omitempty"`
}

type bondStatusParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Status string `json:"status"`
}

type bondMintParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type bondApproveParams struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type bondIDParams struct {
	ID string `json:"id"`
}

type bondBalanceParams struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type bondAllowanceParams struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
}

type seriesJSON struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Issuer   string `json:"issuer"`
	Maturity int64  `json:"maturity,omitempty"`
	Status   string `json:"status"`
}

type bondBalanceResult struct {
	Series  string `json:"series"`
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type bondAllowanceResult struct {
	Series    string `json:"series"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

func (s *Server) handleBondRegisterSeries(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bondRegisterParams
	if !decodeSingleParam(w, req, codeBondInvalidParams, &params) {
		return
	}
	id, err := parseSeriesID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", err.Error())
		return
	}
	symbol := strings.TrimSpace(params.Symbol)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", "symbol required")
		return
	}
	issuer, err := parseBech32Address(params.Issuer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("issuer: %v", err))
		return
	}
	if params.Maturity < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", "maturity must not be negative")
		return
	}
	stored, err := s.node.BondRegisterSeries(&bond.Series{
		ID:       id,
		Symbol:   symbol,
		Issuer:   issuer,
		Maturity: params.Maturity,
		Status:   bond.SeriesActive,
	})
	if err != nil {
		writeBondError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSeriesJSON(stored))
}

func (s *Server) handleBondSetSeriesStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bondStatusParams
	if !decodeSingleParam(w, req, codeBondInvalidParams, &params) {
		return
	}
	id, err := parseSeriesID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	status, err := parseSeriesStatus(params.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", err.Error())
		return
	}
	stored, err := s.node.BondSetSeriesStatus(id, caller, status)
	if err != nil {
		writeBondError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSeriesJSON(stored))
}

func (s *Server) handleBondMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bondMintParams
	if !decodeSingleParam(w, req, codeBondInvalidParams, &params) {
		return
	}
	id, err := parseSeriesID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	to, err := parseBech32Address(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("to: %v", err))
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("amount: %v", err))
		return
	}
	if err := s.node.BondMint(id, caller, to, amount); err != nil {
		writeBondError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleBondApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bondApproveParams
	if !decodeSingleParam(w, req, codeBondInvalidParams, &params) {
		return
	}
	id, err := parseSeriesID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("owner: %v", err))
		return
	}
	spender, err := parseBech32Address(params.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("spender: %v", err))
		return
	}
	amount, err := parseNonNegativeBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("amount: %v", err))
		return
	}
	if err := s.node.BondApprove(id, owner, spender, amount); err != nil {
		writeBondError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleBondSeries(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bondIDParams
	if !decodeSingleParam(w, req, codeBondInvalidParams, &params) {
		return
	}
	id, err := parseSeriesID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", err.Error())
		return
	}
	stored, err := s.node.BondSeries(id)
	if err != nil {
		writeBondError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSeriesJSON(stored))
}

func (s *Server) handleBondListSeries(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	series, err := s.node.BondSeriesList()
	if err != nil {
		writeBondError(w, req.ID, err)
		return
	}
	out := make([]seriesJSON, 0, len(series))
	for _, item := range series {
		out = append(out, formatSeriesJSON(item))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleBondBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bondBalanceParams
	if !decodeSingleParam(w, req, codeBondInvalidParams, &params) {
		return
	}
	id, err := parseSeriesID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("address: %v", err))
		return
	}
	balance, err := s.node.BondBalance(id, addr)
	if err != nil {
		writeBondError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bondBalanceResult{
		Series:  formatSeriesID(id),
		Address: crypto.AddressFromBytes(addr).String(),
		Balance: bigString(balance),
	})
}

func (s *Server) handleBondAllowance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bondAllowanceParams
	if !decodeSingleParam(w, req, codeBondInvalidParams, &params) {
		return
	}
	id, err := parseSeriesID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("owner: %v", err))
		return
	}
	spender, err := parseBech32Address(params.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBondInvalidParams, "invalid_params", fmt.Sprintf("spender: %v", err))
		return
	}
	allowance, err := s.node.BondAllowance(id, owner, spender)
	if err != nil {
		writeBondError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bondAllowanceResult{
		Series:    formatSeriesID(id),
		Owner:     crypto.AddressFromBytes(owner).String(),
		Spender:   crypto.AddressFromBytes(spender).String(),
		Allowance: bigString(allowance),
	})
}

type cashMintParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type cashApproveParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type cashBalanceParams struct {
	Address string `json:"address"`
}

type cashAllowanceParams struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
}

type cashBalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type cashAllowanceResult struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

func (s *Server) handleCashMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params cashMintParams
	if !decodeSingleParam(w, req, codeCashInvalidParams, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	to, err := parseBech32Address(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("to: %v", err))
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("amount: %v", err))
		return
	}
	if err := s.node.CashMint(caller, to, amount); err != nil {
		writeCashError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleCashApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params cashApproveParams
	if !decodeSingleParam(w, req, codeCashInvalidParams, &params) {
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("owner: %v", err))
		return
	}
	spender, err := parseBech32Address(params.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("spender: %v", err))
		return
	}
	amount, err := parseNonNegativeBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("amount: %v", err))
		return
	}
	if err := s.node.CashApprove(owner, spender, amount); err != nil {
		writeCashError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleCashBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params cashBalanceParams
	if !decodeSingleParam(w, req, codeCashInvalidParams, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("address: %v", err))
		return
	}
	balance, err := s.node.CashBalance(addr)
	if err != nil {
		writeCashError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, cashBalanceResult{
		Address: crypto.AddressFromBytes(addr).String(),
		Balance: bigString(balance),
	})
}

func (s *Server) handleCashAllowance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params cashAllowanceParams
	if !decodeSingleParam(w, req, codeCashInvalidParams, &params) {
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("owner: %v", err))
		return
	}
	spender, err := parseBech32Address(params.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeCashInvalidParams, "invalid_params", fmt.Sprintf("spender: %v", err))
		return
	}
	allowance, err := s.node.CashAllowance(owner, spender)
	if err != nil {
		writeCashError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, cashAllowanceResult{
		Owner:     crypto.AddressFromBytes(owner).String(),
		Spender:   crypto.AddressFromBytes(spender).String(),
		Allowance: bigString(allowance),
	})
}

func formatSeriesJSON(s *bond.Series) seriesJSON {
	if s == nil {
		return seriesJSON{}
	}
	return seriesJSON{
		ID:       formatSeriesID(s.ID),
		Symbol:   s.Symbol,
		Issuer:   crypto.AddressFromBytes(s.Issuer).String(),
		Maturity: s.Maturity,
		Status:   s.Status.String(),
	}
}

func parseSeriesStatus(value string) (bond.SeriesStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "ACTIVE":
		return bond.SeriesActive, nil
	case "MATURED":
		return bond.SeriesMatured, nil
	case "FROZEN":
		return bond.SeriesFrozen, nil
	default:
		return 0, fmt.Errorf("unknown series status %q", value)
	}
}

func writeBondError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeBondInternal
	message := "internal_error"
	switch {
	case errors.Is(err, bond.ErrSeriesNotFound):
		status = http.StatusNotFound
		code = codeBondNotFound
		message = "not_found"
	case errors.Is(err, bond.ErrNotIssuer):
		status = http.StatusForbidden
		code = codeBondForbidden
		message = "forbidden"
	case errors.Is(err, bond.ErrSeriesExists),
		errors.Is(err, bond.ErrInsufficientBalance),
		errors.Is(err, bond.ErrInsufficientAllowance):
		status = http.StatusConflict
		code = codeBondConflict
		message = "conflict"
	case errors.Is(err, bond.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = codeBondInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}

func writeCashError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeCashInternal
	message := "internal_error"
	switch {
	case errors.Is(err, cash.ErrNotTreasury):
		status = http.StatusForbidden
		code = codeCashForbidden
		message = "forbidden"
	case errors.Is(err, cash.ErrInsufficientBalance),
		errors.Is(err, cash.ErrInsufficientAllowance):
		status = http.StatusConflict
		code = codeCashConflict
		message = "conflict"
	case errors.Is(err, cash.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = codeCashInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
