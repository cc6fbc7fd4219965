// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package ssh wraps golang.org/x/crypto/ssh for the key handling dsh needs:
// generating an admin identity and comparing keys in authorized_keys form.
package ssh // import "github.com/toeirei/keymaster-dsh/core/crypto/ssh"

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/toeirei/keymaster-dsh/core/security"
	"golang.org/x/crypto/ssh"
)

// MarshalAuthorizedKey serializes a public key to the authorized_keys wire format.
var MarshalAuthorizedKey = ssh.MarshalAuthorizedKey

// FingerprintSHA256 returns the SHA256 fingerprint of the public key.
var FingerprintSHA256 = ssh.FingerprintSHA256

// MarshalEd25519PrivateKey converts an ed25519 private key to an OpenSSH PEM
// block, encrypted when passphrase is non-empty.
func MarshalEd25519PrivateKey(key ed25519.PrivateKey, comment, passphrase string) (*pem.Block, error) {
	var (
		block *pem.Block
		err   error
	)
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, comment, []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(key, comment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ed25519 private key: %w", err)
	}
	return block, nil
}

// GenerateIdentity creates an ed25519 key pair. The public half is returned
// as a single authorized_keys line without the trailing newline.
func GenerateIdentity(comment, passphrase string) (string, security.Secret, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", nil, fmt.Errorf("convert public key: %w", err)
	}
	block, err := MarshalEd25519PrivateKey(priv, comment, passphrase)
	if err != nil {
		return "", nil, err
	}
	line := strings.TrimSpace(string(MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		line += " " + comment
	}
	return line, security.FromBytes(pem.EncodeToMemory(block)), nil
}

// ParsePublicKey parses one authorized_keys line. A bare "type base64" pair
// is accepted as well as a full line with options or comment.
func ParsePublicKey(line string) (ssh.PublicKey, error) {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pk, nil
}

// KeysEqual reports whether two authorized_keys lines carry the same key,
// ignoring comments and options. Unparsable input falls back to comparing
// the first two fields.
func KeysEqual(a, b string) bool {
	pa, errA := ParsePublicKey(a)
	pb, errB := ParsePublicKey(b)
	if errA == nil && errB == nil {
		return bytes.Equal(pa.Marshal(), pb.Marshal())
	}
	fa, fb := strings.Fields(a), strings.Fields(b)
	if len(fa) < 2 || len(fb) < 2 {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return fa[0] == fb[0] && fa[1] == fb[1]
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line.
func Fingerprint(line string) (string, error) {
	pk, err := ParsePublicKey(line)
	if err != nil {
		return "", err
	}
	return FingerprintSHA256(pk), nil
}

// NormalizePublicKey returns the bare "type base64" form of line, dropping
// options and comment.
func NormalizePublicKey(line string) (string, error) {
	pk, err := ParsePublicKey(line)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(MarshalAuthorizedKey(pk))), nil
}
