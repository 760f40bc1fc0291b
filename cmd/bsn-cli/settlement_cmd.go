package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var settlementRPCCall = callNodeRPC

func runSettlementCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, settlementUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runSettlementCreate(args[1:], stdout, stderr)
	case "get":
		return runSettlementGet(args[1:], stdout, stderr)
	case "deposit-delivery":
		return runSettlementTransition("settlement_depositDelivery", args[1:], stdout, stderr)
	case "deposit-payment":
		return runSettlementTransition("settlement_depositPayment", args[1:], stdout, stderr)
	case "execute":
		return runSettlementTransition("settlement_execute", args[1:], stdout, stderr)
	case "claim-expired":
		return runSettlementTransition("settlement_claimExpired", args[1:], stdout, stderr)
	case "cancel":
		return runSettlementCancel(args[1:], stdout, stderr)
	case "can-execute":
		return runSettlementCanExecute(args[1:], stdout, stderr)
	case "list":
		return runSettlementList(args[1:], stdout, stderr)
	case "set-timeout":
		return runSettlementSetTimeout(args[1:], stdout, stderr)
	case "pause":
		return runSettlementAdmin("settlement_pause", args[1:], stdout, stderr)
	case "resume":
		return runSettlementAdmin("settlement_resume", args[1:], stdout, stderr)
	case "info":
		return runSettlementInfo(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown settlement subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, settlementUsage())
		return 1
	}
}

func runSettlementCreate(args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet("settlement create", stderr)
	var (
		seller        string
		buyer         string
		bond          string
		bondAmount    string
		paymentAmount string
	)
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&bond, "bond", "", "bond series as 0x-prefixed 32-byte hex")
	fs.StringVar(&bondAmount, "bond-amount", "", "bond units to deliver (supports 100e6 shorthand)")
	fs.StringVar(&paymentAmount, "payment-amount", "", "cash units to pay (supports 100e6 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if seller == "" {
		return printCommandError(stderr, "--seller is required")
	}
	if buyer == "" {
		return printCommandError(stderr, "--buyer is required")
	}
	if err := validateSeriesID("--bond", bond); err != nil {
		return printCommandError(stderr, err.Error())
	}
	normalizedBond, err := normalizeAmount("--bond-amount", bondAmount)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	normalizedPayment, err := normalizeAmount("--payment-amount", paymentAmount)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"seller":        seller,
		"buyer":         buyer,
		"bond":          strings.TrimSpace(bond),
		"bondAmount":    normalizedBond,
		"paymentAmount": normalizedPayment,
	}
	result, rpcErr, err := settlementRPCCall("settlement_create", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSettlementGet(args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet("settlement get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "settlement identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseSettlementID(id)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": idValue}
	result, rpcErr, err := settlementRPCCall("settlement_get", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSettlementTransition(method string, args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet(method, stderr)
	var (
		id     string
		caller string
	)
	fs.StringVar(&id, "id", "", "settlement identifier")
	fs.StringVar(&caller, "caller", "", "actor bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseSettlementID(id)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": idValue, "caller": caller}
	result, rpcErr, err := settlementRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSettlementCancel(args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet("settlement cancel", stderr)
	var (
		id     string
		caller string
		reason string
	)
	fs.StringVar(&id, "id", "", "settlement identifier")
	fs.StringVar(&caller, "caller", "", "seller, buyer or operator bech32 address")
	fs.StringVar(&reason, "reason", "", "optional cancellation note")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseSettlementID(id)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": idValue, "caller": caller}
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		params["reason"] = trimmed
	}
	result, rpcErr, err := settlementRPCCall("settlement_cancel", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSettlementCanExecute(args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet("settlement can-execute", stderr)
	var id string
	fs.StringVar(&id, "id", "", "settlement identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseSettlementID(id)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": idValue}
	result, rpcErr, err := settlementRPCCall("settlement_canExecute", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSettlementList(args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet("settlement list", stderr)
	var (
		participant string
		offset      int
		limit       int
	)
	fs.StringVar(&participant, "participant", "", "participant bech32 address")
	fs.IntVar(&offset, "offset", 0, "number of settlements to skip")
	fs.IntVar(&limit, "limit", 0, "maximum settlements to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if participant == "" {
		return printCommandError(stderr, "--participant is required")
	}
	if offset < 0 {
		return printCommandError(stderr, "--offset must not be negative")
	}
	if limit < 0 {
		return printCommandError(stderr, "--limit must not be negative")
	}
	params := map[string]interface{}{"participant": participant}
	if offset > 0 {
		params["offset"] = offset
	}
	if limit > 0 {
		params["limit"] = limit
	}
	result, rpcErr, err := settlementRPCCall("settlement_listByParticipant", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSettlementSetTimeout(args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet("settlement set-timeout", stderr)
	var (
		caller  string
		seconds int64
	)
	fs.StringVar(&caller, "caller", "", "operator bech32 address")
	fs.Int64Var(&seconds, "seconds", 0, "expiry window applied to new settlements")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	if seconds <= 0 {
		return printCommandError(stderr, "--seconds must be a positive integer")
	}
	params := map[string]interface{}{"caller": caller, "seconds": seconds}
	result, rpcErr, err := settlementRPCCall("settlement_setTimeout", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSettlementAdmin(method string, args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet(method, stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "operator bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"caller": caller}
	result, rpcErr, err := settlementRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSettlementInfo(args []string, stdout, stderr io.Writer) int {
	fs := newSettlementFlagSet("settlement info", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := settlementRPCCall("settlement_info", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newSettlementFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, settlementUsage())
	}
	return fs
}

func printCommandError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func settlementUsage() string {
	return strings.TrimSpace(`Usage:
  bsn-cli settlement <command> [flags]

Commands:
  create           Create a new settlement between a seller and a buyer
  get              Fetch settlement details by id
  deposit-delivery Move the seller's bond units into the settlement vault
  deposit-payment  Move the buyer's cash into the settlement vault
  execute          Swap both funded legs atomically
  cancel           Cancel a settlement and refund any deposits
  claim-expired    Refund a settlement past its expiry
  can-execute      Check whether a settlement could execute right now
  list             List settlements involving a participant
  set-timeout      Update the expiry window for new settlements
  pause            Halt new settlement activity
  resume           Resume settlement activity
  info             Show pause state, timeout and vault address
`)
}

func parseSettlementID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("--id must be a positive integer")
	}
	return id, nil
}

func validateSeriesID(flagName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", flagName)
	}
	cleaned := trimmed
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		cleaned = trimmed[2:]
	} else {
		return fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", flagName)
	}
	if len(cleaned) != 64 {
		return fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", flagName)
	}
	if !isHex(cleaned) {
		return fmt.Errorf("%s must contain only hexadecimal characters", flagName)
	}
	return nil
}

func normalizeAmount(flagName, value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid format for %s", flagName)
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid format for %s", flagName)
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid format for %s", flagName)
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	if fracLen > 0 {
		for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
			digits = digits[:len(digits)-1]
			fracLen--
		}
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("%s must be an integer", flagName)
	}
	if digits == "" {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func callNodeRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"id":     1,
		"method": method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
