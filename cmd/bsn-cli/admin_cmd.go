package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var adminRPCCall = callNodeRPC

func runComplianceCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, complianceUsage())
		return 1
	}

	switch args[0] {
	case "set":
		return runComplianceSet(args[1:], stdout, stderr)
	case "check":
		return runComplianceCheck(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown compliance subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, complianceUsage())
		return 1
	}
}

func runComplianceSet(args []string, stdout, stderr io.Writer) int {
	fs := newComplianceFlagSet("compliance set", stderr)
	var (
		caller   string
		address  string
		eligible string
	)
	fs.StringVar(&caller, "caller", "", "compliance officer bech32 address")
	fs.StringVar(&address, "address", "", "participant bech32 address")
	fs.StringVar(&eligible, "eligible", "", "true or false")
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
	if address == "" {
		return printCommandError(stderr, "--address is required")
	}
	if eligible == "" {
		return printCommandError(stderr, "--eligible is required")
	}
	eligibleValue, err := strconv.ParseBool(strings.TrimSpace(eligible))
	if err != nil {
		return printCommandError(stderr, "--eligible must be true or false")
	}

	params := map[string]interface{}{
		"caller":   caller,
		"address":  address,
		"eligible": eligibleValue,
	}
	result, rpcErr, err := adminRPCCall("compliance_setEligibility", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runComplianceCheck(args []string, stdout, stderr io.Writer) int {
	fs := newComplianceFlagSet("compliance check", stderr)
	var address string
	fs.StringVar(&address, "address", "", "participant bech32 address")
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
	result, rpcErr, err := adminRPCCall("compliance_check", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runRoleCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, roleUsage())
		return 1
	}

	switch args[0] {
	case "grant":
		return runRoleGrant(args[1:], stdout, stderr)
	case "members":
		return runRoleMembers(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown role subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, roleUsage())
		return 1
	}
}

func runRoleGrant(args []string, stdout, stderr io.Writer) int {
	fs := newRoleFlagSet("role grant", stderr)
	var (
		caller  string
		role    string
		address string
	)
	fs.StringVar(&caller, "caller", "", "admin bech32 address")
	fs.StringVar(&role, "role", "", "role name to grant")
	fs.StringVar(&address, "address", "", "grantee bech32 address")
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
	if strings.TrimSpace(role) == "" {
		return printCommandError(stderr, "--role is required")
	}
	if address == "" {
		return printCommandError(stderr, "--address is required")
	}
	params := map[string]interface{}{
		"caller":  caller,
		"role":    strings.TrimSpace(role),
		"address": address,
	}
	result, rpcErr, err := adminRPCCall("role_grant", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runRoleMembers(args []string, stdout, stderr io.Writer) int {
	fs := newRoleFlagSet("role members", stderr)
	var role string
	fs.StringVar(&role, "role", "", "role name to inspect")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(role) == "" {
		return printCommandError(stderr, "--role is required")
	}
	params := map[string]interface{}{"role": strings.TrimSpace(role)}
	result, rpcErr, err := adminRPCCall("role_members", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEventsCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, eventsUsage())
		return 1
	}

	switch args[0] {
	case "list":
		return runEventsList(args[1:], stdout, stderr)
	case "last-sequence":
		return runEventsLastSequence(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown events subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, eventsUsage())
		return 1
	}
}

func runEventsList(args []string, stdout, stderr io.Writer) int {
	fs := newEventsFlagSet("events list", stderr)
	var (
		after uint64
		limit int
	)
	fs.Uint64Var(&after, "after", 0, "return events with a sequence greater than this")
	fs.IntVar(&limit, "limit", 0, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if limit < 0 {
		return printCommandError(stderr, "--limit must not be negative")
	}
	var params interface{}
	if after > 0 || limit > 0 {
		fields := map[string]interface{}{}
		if after > 0 {
			fields["after"] = after
		}
		if limit > 0 {
			fields["limit"] = limit
		}
		params = fields
	}
	result, rpcErr, err := adminRPCCall("events_list", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEventsLastSequence(args []string, stdout, stderr io.Writer) int {
	fs := newEventsFlagSet("events last-sequence", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := adminRPCCall("events_lastSequence", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newComplianceFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, complianceUsage())
	}
	return fs
}

func newRoleFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, roleUsage())
	}
	return fs
}

func newEventsFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, eventsUsage())
	}
	return fs
}

func complianceUsage() string {
	return strings.TrimSpace(`Usage:
  bsn-cli compliance <command> [flags]

Commands:
  set   Mark a participant eligible or ineligible
  check Show a participant's eligibility
`)
}

func roleUsage() string {
	return strings.TrimSpace(`Usage:
  bsn-cli role <command> [flags]

Commands:
  grant   Grant a role to an address
  members List addresses holding a role
`)
}

func eventsUsage() string {
	return strings.TrimSpace(`Usage:
  bsn-cli events <command> [flags]

Commands:
  list          List journalled ledger events
  last-sequence Show the most recent event sequence number
`)
}
