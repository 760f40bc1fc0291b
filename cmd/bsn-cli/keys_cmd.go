package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"bondsettle/cmd/internal/passphrase"
	"bondsettle/crypto"
)

// keystorePassphraseEnv supplies the keystore passphrase non-interactively.
// When unset the operator is prompted on the terminal.
const keystorePassphraseEnv = "BSN_KEYSTORE_PASSPHRASE"

const defaultKeystorePath = "operator.keystore"

var keystorePassphrase = func() (string, error) {
	return passphrase.NewSource(keystorePassphraseEnv).Get()
}

func runKeysCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}

	switch args[0] {
	case "generate":
		return runKeysGenerate(args[1:], stdout, stderr)
	case "show":
		return runKeysShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
}

func runKeysGenerate(args []string, stdout, stderr io.Writer) int {
	fs := newKeysFlagSet("keys generate", stderr)
	var out string
	fs.StringVar(&out, "out", defaultKeystorePath, "path for the encrypted keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(out) == "" {
		return printCommandError(stderr, "--out is required")
	}

	pass, err := keystorePassphrase()
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printCommandError(stderr, fmt.Sprintf("failed to generate key: %v", err))
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printCommandError(stderr, fmt.Sprintf("failed to save keystore: %v", err))
	}

	fmt.Fprintf(stdout, "Generated new key and saved to %s\n", out)
	fmt.Fprintf(stdout, "Account address: %s\n", key.PubKey().Address().String())
	fmt.Fprintln(stdout, "Store the file and passphrase securely; the key cannot be recovered without them.")
	return 0
}

func runKeysShow(args []string, stdout, stderr io.Writer) int {
	fs := newKeysFlagSet("keys show", stderr)
	var path string
	fs.StringVar(&path, "path", defaultKeystorePath, "path to the encrypted keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(path) == "" {
		return printCommandError(stderr, "--path is required")
	}

	pass, err := keystorePassphrase()
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return printCommandError(stderr, fmt.Sprintf("failed to open keystore %s: %v", path, err))
	}

	fmt.Fprintf(stdout, "Account address: %s\n", key.PubKey().Address().String())
	return 0
}

func newKeysFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, keysUsage())
	}
	return fs
}

func keysUsage() string {
	return strings.TrimSpace(`Usage:
  bsn-cli keys <command> [flags]

Commands:
  generate Generate a key and write an encrypted keystore file
  show     Decrypt a keystore file and print its account address

The passphrase is read from BSN_KEYSTORE_PASSPHRASE or prompted on the
terminal.
`)
}
