// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"
	"testing"

	xssh "golang.org/x/crypto/ssh"
)

func TestGenerateIdentity(t *testing.T) {
	pub, priv, err := GenerateIdentity("admin@node", "")
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	if strings.Contains(pub, "\n") {
		t.Fatalf("public key must be a single line: %q", pub)
	}
	pk, comment, _, _, err := xssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		t.Fatalf("ParseAuthorizedKey failed: %v", err)
	}
	if comment != "admin@node" {
		t.Errorf("unexpected comment: got %q", comment)
	}
	if pk.Type() != xssh.KeyAlgoED25519 {
		t.Errorf("unexpected key type %s", pk.Type())
	}
	signer, err := xssh.ParsePrivateKey(priv.Bytes())
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if string(signer.PublicKey().Marshal()) != string(pk.Marshal()) {
		t.Fatal("private key does not match public key")
	}
}

func TestGenerateIdentity_WithPassphrase(t *testing.T) {
	_, priv, err := GenerateIdentity("enc", "s3cret")
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	if _, err := xssh.ParseRawPrivateKey(priv.Bytes()); err == nil {
		t.Fatal("expected encrypted key to need a passphrase")
	} else if _, ok := err.(*xssh.PassphraseMissingError); !ok {
		t.Fatalf("expected PassphraseMissingError, got %T", err)
	}
	if _, err := xssh.ParseRawPrivateKeyWithPassphrase(priv.Bytes(), []byte("s3cret")); err != nil {
		t.Fatalf("failed to decrypt with passphrase: %v", err)
	}
}

func TestMarshalEd25519PrivateKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey failed: %v", err)
	}
	block, err := MarshalEd25519PrivateKey(priv, "unit-test", "")
	if err != nil {
		t.Fatalf("MarshalEd25519PrivateKey failed: %v", err)
	}
	if _, err := xssh.ParseRawPrivateKey(pem.EncodeToMemory(block)); err != nil {
		t.Fatalf("ParseRawPrivateKey failed on marshaled PEM: %v", err)
	}
}

func TestKeysEqual(t *testing.T) {
	a, _, err := GenerateIdentity("one", "")
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := GenerateIdentity("two", "")
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(a)
	bare := fields[0] + " " + fields[1]

	if !KeysEqual(a, bare) {
		t.Error("comment should not affect equality")
	}
	if !KeysEqual(`command="uptime" `+bare+" other", a) {
		t.Error("options should not affect equality")
	}
	if KeysEqual(a, b) {
		t.Error("distinct keys compared equal")
	}
	if !KeysEqual("hostpubkey", "hostpubkey") || KeysEqual("hostpubkey", "memberhostkey") {
		t.Error("opaque keys should compare verbatim")
	}
}

func TestFingerprint(t *testing.T) {
	pub, _, err := GenerateIdentity("fp", "")
	if err != nil {
		t.Fatal(err)
	}
	fp, err := Fingerprint(pub)
	if err != nil || !strings.HasPrefix(fp, "SHA256:") {
		t.Fatalf("Fingerprint = %q, %v", fp, err)
	}
	if _, err := Fingerprint("garbage"); err == nil {
		t.Fatal("expected error for unparsable key")
	}
}

func TestNormalizePublicKey(t *testing.T) {
	pub, _, err := GenerateIdentity("root@host", "")
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	got, err := NormalizePublicKey(pub + "\n")
	if err != nil {
		t.Fatalf("NormalizePublicKey failed: %v", err)
	}
	fields := strings.Fields(pub)
	if got != fields[0]+" "+fields[1] {
		t.Fatalf("expected comment stripped, got %q", got)
	}
	if _, err := NormalizePublicKey("garbage"); err == nil {
		t.Fatal("expected error for garbage input")
	}
}
