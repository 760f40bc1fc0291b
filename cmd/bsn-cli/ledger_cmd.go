package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var ledgerRPCCall = callNodeRPC

func runBondCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, bondUsage())
		return 1
	}

	switch args[0] {
	case "register-series":
		return runBondRegisterSeries(args[1:], stdout, stderr)
	case "set-status":
		return runBondSetStatus(args[1:], stdout, stderr)
	case "mint":
		return runBondMint(args[1:], stdout, stderr)
	case "approve":
		return runBondApprove(args[1:], stdout, stderr)
	case "series":
		return runBondSeries(args[1:], stdout, stderr)
	case "list":
		return runBondList(args[1:], stdout, stderr)
	case "balance":
		return runBondBalance(args[1:], stdout, stderr)
	case "allowance":
		return runBondAllowance(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown bond subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, bondUsage())
		return 1
	}
}

func runBondRegisterSeries(args []string, stdout, stderr io.Writer) int {
	fs := newBondFlagSet("bond register-series", stderr)
	var (
		id       string
		symbol   string
		issuer   string
		maturity string
	)
	fs.StringVar(&id, "id", "", "series identifier as 0x-prefixed 32-byte hex")
	fs.StringVar(&symbol, "symbol", "", "series ticker symbol")
	fs.StringVar(&issuer, "issuer", "", "issuer bech32 address")
	fs.StringVar(&maturity, "maturity", "", "optional maturity as RFC3339 timestamp or unix seconds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateSeriesID("--id", id); err != nil {
		return printCommandError(stderr, err.Error())
	}
	if strings.TrimSpace(symbol) == "" {
		return printCommandError(stderr, "--symbol is required")
	}
	if issuer == "" {
		return printCommandError(stderr, "--issuer is required")
	}
	maturityUnix, err := parseMaturity(maturity)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"id":     strings.TrimSpace(id),
		"symbol": strings.TrimSpace(symbol),
		"issuer": issuer,
	}
	if maturityUnix > 0 {
		params["maturity"] = maturityUnix
	}
	result, rpcErr, err := ledgerRPCCall("bond_registerSeries", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBondSetStatus(args []string, stdout, stderr io.Writer) int {
	fs := newBondFlagSet("bond set-status", stderr)
	var (
		id     string
		caller string
		status string
	)
	fs.StringVar(&id, "id", "", "series identifier as 0x-prefixed 32-byte hex")
	fs.StringVar(&caller, "caller", "", "issuer or operator bech32 address")
	fs.StringVar(&status, "status", "", "new status (ACTIVE, MATURED or FROZEN)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateSeriesID("--id", id); err != nil {
		return printCommandError(stderr, err.Error())
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	normalizedStatus := strings.ToUpper(strings.TrimSpace(status))
	switch normalizedStatus {
	case "ACTIVE", "MATURED", "FROZEN":
	default:
		return printCommandError(stderr, "--status must be ACTIVE, MATURED or FROZEN")
	}

	params := map[string]interface{}{
		"id":     strings.TrimSpace(id),
		"caller": caller,
		"status": normalizedStatus,
	}
	result, rpcErr, err := ledgerRPCCall("bond_setSeriesStatus", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBondMint(args []string, stdout, stderr io.Writer) int {
	fs := newBondFlagSet("bond mint", stderr)
	var (
		id     string
		caller string
		to     string
		amount string
	)
	fs.StringVar(&id, "id", "", "series identifier as 0x-prefixed 32-byte hex")
	fs.StringVar(&caller, "caller", "", "issuer or operator bech32 address")
	fs.StringVar(&to, "to", "", "recipient bech32 address")
	fs.StringVar(&amount, "amount", "", "bond units to mint (supports 100e6 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateSeriesID("--id", id); err != nil {
		return printCommandError(stderr, err.Error())
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	if to == "" {
		return printCommandError(stderr, "--to is required")
	}
	normalizedAmount, err := normalizeAmount("--amount", amount)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"id":     strings.TrimSpace(id),
		"caller": caller,
		"to":     to,
		"amount": normalizedAmount,
	}
	result, rpcErr, err := ledgerRPCCall("bond_mint", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBondApprove(args []string, stdout, stderr io.Writer) int {
	fs := newBondFlagSet("bond approve", stderr)
	var (
		id      string
		owner   string
		spender string
		amount  string
	)
	fs.StringVar(&id, "id", "", "series identifier as 0x-prefixed 32-byte hex")
	fs.StringVar(&owner, "owner", "", "position owner bech32 address")
	fs.StringVar(&spender, "spender", "", "spender bech32 address")
	fs.StringVar(&amount, "amount", "", "allowance in bond units (0 clears it)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateSeriesID("--id", id); err != nil {
		return printCommandError(stderr, err.Error())
	}
	if owner == "" {
		return printCommandError(stderr, "--owner is required")
	}
	if spender == "" {
		return printCommandError(stderr, "--spender is required")
	}
	normalizedAmount, err := normalizeAllowance("--amount", amount)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"id":      strings.TrimSpace(id),
		"owner":   owner,
		"spender": spender,
		"amount":  normalizedAmount,
	}
	result, rpcErr, err := ledgerRPCCall("bond_approve", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBondSeries(args []string, stdout, stderr io.Writer) int {
	fs := newBondFlagSet("bond series", stderr)
	var id string
	fs.StringVar(&id, "id", "", "series identifier as 0x-prefixed 32-byte hex")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateSeriesID("--id", id); err != nil {
		return printCommandError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": strings.TrimSpace(id)}
	result, rpcErr, err := ledgerRPCCall("bond_series", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBondList(args []string, stdout, stderr io.Writer) int {
	fs := newBondFlagSet("bond list", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := ledgerRPCCall("bond_listSeries", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBondBalance(args []string, stdout, stderr io.Writer) int {
	fs := newBondFlagSet("bond balance", stderr)
	var (
		id      string
		address string
	)
	fs.StringVar(&id, "id", "", "series identifier as 0x-prefixed 32-byte hex")
	fs.StringVar(&address, "address", "", "holder bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateSeriesID("--id", id); err != nil {
		return printCommandError(stderr, err.Error())
	}
	if address == "" {
		return printCommandError(stderr, "--address is required")
	}
	params := map[string]interface{}{"id": strings.TrimSpace(id), "address": address}
	result, rpcErr, err := ledgerRPCCall("bond_balance", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runBondAllowance(args []string, stdout, stderr io.Writer) int {
	fs := newBondFlagSet("bond allowance", stderr)
	var (
		id      string
		owner   string
		spender string
	)
	fs.StringVar(&id, "id", "", "series identifier as 0x-prefixed 32-byte hex")
	fs.StringVar(&owner, "owner", "", "position owner bech32 address")
	fs.StringVar(&spender, "spender", "", "spender bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateSeriesID("--id", id); err != nil {
		return printCommandError(stderr, err.Error())
	}
	if owner == "" {
		return printCommandError(stderr, "--owner is required")
	}
	if spender == "" {
		return printCommandError(stderr, "--spender is required")
	}
	params := map[string]interface{}{"id": strings.TrimSpace(id), "owner": owner, "spender": spender}
	result, rpcErr, err := ledgerRPCCall("bond_allowance", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runCashCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, cashUsage())
		return 1
	}

	switch args[0] {
	case "mint":
		return runCashMint(args[1:], stdout, stderr)
	case "approve":
		return runCashApprove(args[1:], stdout, stderr)
	case "balance":
		return runCashBalance(args[1:], stdout, stderr)
	case "allowance":
		return runCashAllowance(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown cash subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, cashUsage())
		return 1
	}
}

func runCashMint(args []string, stdout, stderr io.Writer) int {
	fs := newCashFlagSet("cash mint", stderr)
	var (
		caller string
		to     string
		amount string
	)
	fs.StringVar(&caller, "caller", "", "operator bech32 address")
	fs.StringVar(&to, "to", "", "recipient bech32 address")
	fs.StringVar(&amount, "amount", "", "cash units to mint (supports 100e6 shorthand)")
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
	if to == "" {
		return printCommandError(stderr, "--to is required")
	}
	normalizedAmount, err := normalizeAmount("--amount", amount)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{"caller": caller, "to": to, "amount": normalizedAmount}
	result, rpcErr, err := ledgerRPCCall("cash_mint", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runCashApprove(args []string, stdout, stderr io.Writer) int {
	fs := newCashFlagSet("cash approve", stderr)
	var (
		owner   string
		spender string
		amount  string
	)
	fs.StringVar(&owner, "owner", "", "account owner bech32 address")
	fs.StringVar(&spender, "spender", "", "spender bech32 address")
	fs.StringVar(&amount, "amount", "", "allowance in cash units (0 clears it)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if owner == "" {
		return printCommandError(stderr, "--owner is required")
	}
	if spender == "" {
		return printCommandError(stderr, "--spender is required")
	}
	normalizedAmount, err := normalizeAllowance("--amount", amount)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{"owner": owner, "spender": spender, "amount": normalizedAmount}
	result, rpcErr, err := ledgerRPCCall("cash_approve", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runCashBalance(args []string, stdout, stderr io.Writer) int {
	fs := newCashFlagSet("cash balance", stderr)
	var address string
	fs.StringVar(&address, "address", "", "account bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if address == "" {
		return printCommandError(stderr, "--address is required")
	}
	params := map[string]interface{}{"address": address}
	result, rpcErr, err := ledgerRPCCall("cash_balance", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runCashAllowance(args []string, stdout, stderr io.Writer) int {
	fs := newCashFlagSet("cash allowance", stderr)
	var (
		owner   string
		spender string
	)
	fs.StringVar(&owner, "owner", "", "account owner bech32 address")
	fs.StringVar(&spender, "spender", "", "spender bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if owner == "" {
		return printCommandError(stderr, "--owner is required")
	}
	if spender == "" {
		return printCommandError(stderr, "--spender is required")
	}
	params := map[string]interface{}{"owner": owner, "spender": spender}
	result, rpcErr, err := ledgerRPCCall("cash_allowance", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newBondFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, bondUsage())
	}
	return fs
}

func newCashFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, cashUsage())
	}
	return fs
}

func bondUsage() string {
	return strings.TrimSpace(`Usage:
  bsn-cli bond <command> [flags]

Commands:
  register-series Register a new bond series
  set-status      Change a series lifecycle status
  mint            Mint bond units to a holder
  approve         Set a spending allowance on a position
  series          Fetch a series descriptor by id
  list            List all registered series
  balance         Show a holder's position in a series
  allowance       Show a spender's allowance on a position
`)
}

func cashUsage() string {
	return strings.TrimSpace(`Usage:
  bsn-cli cash <command> [flags]

Commands:
  mint      Mint cash to an account
  approve   Set a spending allowance on an account
  balance   Show an account's cash balance
  allowance Show a spender's allowance on an account
`)
}

// normalizeAllowance accepts the same forms as normalizeAmount but permits
// zero, which clears an existing approval.
func normalizeAllowance(flagName, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "0" {
		return "0", nil
	}
	return normalizeAmount(flagName, trimmed)
}

func parseMaturity(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if isDigits(trimmed) {
		seconds, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid --maturity timestamp")
		}
		return seconds, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("--maturity must be an RFC3339 timestamp or unix seconds")
	}
	return ts.Unix(), nil
}
