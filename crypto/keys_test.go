package crypto

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(BSNPrefix)+"1") {
		t.Fatalf("expected bsn1 prefix, got %s", encoded)
	}

	decoded, err := ParseAccount(encoded)
	if err != nil {
		t.Fatalf("parse account: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), addr.Bytes()) {
		t.Fatalf("round trip mismatch: %x != %x", decoded.Bytes(), addr.Bytes())
	}
}

func TestParseAccountRejectsForeignPrefix(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	foreign := NewAddress("alt", key.PubKey().Address().Bytes()).String()
	if _, err := ParseAccount(foreign); err == nil {
		t.Fatalf("expected prefix rejection for %s", foreign)
	}
}

func TestDeriveModuleAddressStable(t *testing.T) {
	a := DeriveModuleAddress("settlement")
	b := DeriveModuleAddress("settlement")
	if a != b {
		t.Fatalf("module address not deterministic")
	}
	if a == DeriveModuleAddress("bond") {
		t.Fatalf("distinct modules must not collide")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node.keystore")
	if err := SaveToKeystore(path, key, "passphrase"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "passphrase")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("keystore round trip mismatch")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected decryption failure with wrong passphrase")
	}
}
