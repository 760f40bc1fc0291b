package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSettlementCommandArgValidation(t *testing.T) {
	originalCall := settlementRPCCall
	settlementRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		t.Fatalf("unexpected RPC call for method %s", method)
		return nil, nil, nil
	}
	defer func() { settlementRPCCall = originalCall }()

	cases := []struct {
		name       string
		args       []string
		wantFile   string
		wantStderr string
		wantExit   int
	}{
		{
			name:     "usage",
			args:     nil,
			wantFile: "settlement_usage.golden",
			wantExit: 1,
		},
		{
			name:     "unknown_subcommand",
			args:     []string{"bogus"},
			wantFile: "settlement_unknown.golden",
			wantExit: 1,
		},
		{
			name: "create_missing_seller",
			args: []string{
				"create",
				"--buyer", "bsn1buyer",
				"--bond", "0x" + repeatHex("b0", 32),
				"--bond-amount", "100",
				"--payment-amount", "1000",
			},
			wantStderr: "Error: --seller is required\n",
			wantExit:   1,
		},
		{
			name: "create_invalid_bond",
			args: []string{
				"create",
				"--seller", "bsn1seller",
				"--buyer", "bsn1buyer",
				"--bond", "1234",
				"--bond-amount", "100",
				"--payment-amount", "1000",
			},
			wantStderr: "Error: --bond must be a 0x-prefixed 32-byte hex string\n",
			wantExit:   1,
		},
		{
			name: "create_fractional_amount",
			args: []string{
				"create",
				"--seller", "bsn1seller",
				"--buyer", "bsn1buyer",
				"--bond", "0x" + repeatHex("b0", 32),
				"--bond-amount", "1.23e-1",
				"--payment-amount", "1000",
			},
			wantStderr: "Error: --bond-amount must be an integer\n",
			wantExit:   1,
		},
		{
			name:       "get_invalid_id",
			args:       []string{"get", "--id", "abc"},
			wantStderr: "Error: --id must be a positive integer\n",
			wantExit:   1,
		},
		{
			name:       "get_positional_args",
			args:       []string{"get", "--id", "7", "extra"},
			wantStderr: "Error: unexpected positional arguments\n",
			wantExit:   1,
		},
		{
			name:       "execute_missing_caller",
			args:       []string{"execute", "--id", "7"},
			wantStderr: "Error: --caller is required\n",
			wantExit:   1,
		},
		{
			name:       "set_timeout_nonpositive",
			args:       []string{"set-timeout", "--caller", "bsn1op", "--seconds", "0"},
			wantStderr: "Error: --seconds must be a positive integer\n",
			wantExit:   1,
		},
		{
			name:       "list_missing_participant",
			args:       []string{"list"},
			wantStderr: "Error: --participant is required\n",
			wantExit:   1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			exitCode := runSettlementCommand(tc.args, stdout, stderr)
			if exitCode != tc.wantExit {
				t.Fatalf("unexpected exit code: got %d, want %d", exitCode, tc.wantExit)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			want := tc.wantStderr
			if tc.wantFile != "" {
				want = readGolden(t, tc.wantFile)
			}
			if got := stderr.String(); got != want {
				t.Fatalf("stderr mismatch:\n--- got ---\n%q\n--- want ---\n%q", got, want)
			}
		})
	}
}

func TestSettlementRPCErrorsAndSuccess(t *testing.T) {
	t.Run("rpc_error", func(t *testing.T) {
		originalCall := settlementRPCCall
		settlementRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "settlement_get" {
				t.Fatalf("unexpected method: %s", method)
			}
			return nil, &rpcError{Code: -32004, Message: "not_found"}, nil
		}
		defer func() { settlementRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		exitCode := runSettlementCommand([]string{"get", "--id", "42"}, stdout, stderr)
		if exitCode != 1 {
			t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
		}
		if stdout.Len() != 0 {
			t.Fatalf("expected empty stdout, got %q", stdout.String())
		}
		want := "RPC error -32004: not_found\n"
		if stderr.String() != want {
			t.Fatalf("unexpected stderr: got %q, want %q", stderr.String(), want)
		}
	})

	t.Run("create_success", func(t *testing.T) {
		originalCall := settlementRPCCall
		settlementRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "settlement_create" {
				t.Fatalf("unexpected method: %s", method)
			}
			if !requireAuth {
				t.Fatal("settlement_create must require auth")
			}
			expected := map[string]interface{}{
				"seller":        "bsn1seller",
				"buyer":         "bsn1buyer",
				"bond":          "0x" + repeatHex("b0", 32),
				"bondAmount":    "100000000",
				"paymentAmount": "1000000000",
			}
			if diff := diffParams(params, expected); diff != "" {
				t.Fatalf("unexpected params diff: %s", diff)
			}
			return json.RawMessage(`{"id":1}`), nil, nil
		}
		defer func() { settlementRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{
			"create",
			"--seller", "bsn1seller",
			"--buyer", "bsn1buyer",
			"--bond", "0x" + repeatHex("b0", 32),
			"--bond-amount", "100e6",
			"--payment-amount", "1000e6",
		}
		exitCode := runSettlementCommand(args, stdout, stderr)
		if exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
		}
		if stderr.Len() != 0 {
			t.Fatalf("expected empty stderr, got %q", stderr.String())
		}
		want := "{\"id\":1}\n"
		if stdout.String() != want {
			t.Fatalf("unexpected stdout: got %q, want %q", stdout.String(), want)
		}
	})

	t.Run("transition_params", func(t *testing.T) {
		originalCall := settlementRPCCall
		settlementRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "settlement_depositDelivery" {
				t.Fatalf("unexpected method: %s", method)
			}
			if !requireAuth {
				t.Fatal("deposit must require auth")
			}
			expected := map[string]interface{}{
				"id":     uint64(7),
				"caller": "bsn1seller",
			}
			if diff := diffParams(params, expected); diff != "" {
				t.Fatalf("unexpected params diff: %s", diff)
			}
			return json.RawMessage(`{"status":"SELLER_DEPOSITED"}`), nil, nil
		}
		defer func() { settlementRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{"deposit-delivery", "--id", "7", "--caller", "bsn1seller"}
		exitCode := runSettlementCommand(args, stdout, stderr)
		if exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
		}
		if stdout.String() != "{\"status\":\"SELLER_DEPOSITED\"}\n" {
			t.Fatalf("unexpected stdout: %q", stdout.String())
		}
	})

	t.Run("info_sends_no_params", func(t *testing.T) {
		originalCall := settlementRPCCall
		settlementRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "settlement_info" {
				t.Fatalf("unexpected method: %s", method)
			}
			if params != nil {
				t.Fatalf("expected nil params, got %v", params)
			}
			if requireAuth {
				t.Fatal("settlement_info must not require auth")
			}
			return nil, nil, nil
		}
		defer func() { settlementRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		exitCode := runSettlementCommand([]string{"info"}, stdout, stderr)
		if exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0", exitCode)
		}
		if stdout.String() != "null\n" {
			t.Fatalf("expected null result, got %q", stdout.String())
		}
	})
}

func TestNormalizeAmount(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "100", want: "100"},
		{input: "00100", want: "100"},
		{input: "100e6", want: "100000000"},
		{input: "0.5e6", want: "500000"},
		{input: "1.0", want: "1"},
		{input: "1.23e-1", wantErr: true},
		{input: "-10", wantErr: true},
		{input: "0", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := normalizeAmount("--amount", tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected result: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidateSeriesID(t *testing.T) {
	valid := "0x" + repeatHex("ab", 32)
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: valid},
		{name: "missing_prefix", input: repeatHex("ab", 32), wantErr: true},
		{name: "too_short", input: "0xabcd", wantErr: true},
		{name: "non_hex", input: "0x" + repeatHex("zz", 32), wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSeriesID("--id", tc.input)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for input %q", tc.input)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseSettlementID(t *testing.T) {
	cases := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{input: "7", want: 7},
		{input: " 12 ", want: 12},
		{input: "0", wantErr: true},
		{input: "abc", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := parseSettlementID(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected id: got %d, want %d", got, tc.want)
			}
		})
	}
}

func readGolden(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read golden file %s: %v", name, err)
	}
	return string(data)
}

func repeatHex(pair string, n int) string {
	out := make([]byte, 0, len(pair)*n)
	for i := 0; i < n; i++ {
		out = append(out, pair...)
	}
	return string(out)
}

func diffParams(actual interface{}, expected map[string]interface{}) string {
	actualMap, ok := actual.(map[string]interface{})
	if !ok {
		return "actual params are not an object"
	}
	for key, want := range expected {
		got, exists := actualMap[key]
		if !exists {
			return "missing key " + key
		}
		switch wantTyped := want.(type) {
		case string:
			gotStr, ok := got.(string)
			if !ok || gotStr != wantTyped {
				return "value mismatch for " + key
			}
		case bool:
			gotBool, ok := got.(bool)
			if !ok || gotBool != wantTyped {
				return "value mismatch for " + key
			}
		case uint64:
			switch g := got.(type) {
			case uint64:
				if g != wantTyped {
					return "value mismatch for " + key
				}
			case float64:
				if uint64(g) != wantTyped {
					return "value mismatch for " + key
				}
			default:
				return "value mismatch for " + key
			}
		case int:
			switch g := got.(type) {
			case int:
				if g != wantTyped {
					return "value mismatch for " + key
				}
			case float64:
				if int(g) != wantTyped {
					return "value mismatch for " + key
				}
			default:
				return "value mismatch for " + key
			}
		case int64:
			switch g := got.(type) {
			case int64:
				if g != wantTyped {
					return "value mismatch for " + key
				}
			case float64:
				if int64(g) != wantTyped {
					return "value mismatch for " + key
				}
			default:
				return "value mismatch for " + key
			}
		default:
			return "unsupported expected type"
		}
	}
	return ""
}
