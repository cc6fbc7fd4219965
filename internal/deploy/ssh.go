// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package deploy connects to group members over SSH. It runs fleet
// commands, probes host keys and opens SFTP sessions for remotely managed
// admin accounts.
package deploy // import "github.com/toeirei/keymaster-dsh/internal/deploy"

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/toeirei/keymaster-dsh/core/model"
	"golang.org/x/crypto/ssh"
)

// Connection defaults.
const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultHostKeyTimeout    = 5 * time.Second
	DefaultPort              = "22"
)

// ErrHostKeySuccessfullyRetrieved aborts a probe handshake once the host key
// has been captured.
var ErrHostKeySuccessfullyRetrieved = errors.New("keymaster-dsh: successfully retrieved host key")

// ErrPassphraseRequired is returned when the identity is encrypted and no
// passphrase was supplied.
var ErrPassphraseRequired = errors.New("identity is encrypted and no passphrase was provided")

// ConnectionConfig bounds each phase of a connection.
type ConnectionConfig struct {
	ConnectionTimeout time.Duration
	HostKeyTimeout    time.Duration
	Port              string
}

// DefaultConnectionConfig returns the standard timeouts and port 22.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectionTimeout: DefaultConnectionTimeout,
		HostKeyTimeout:    DefaultHostKeyTimeout,
		Port:              DefaultPort,
	}
}

// sshDial is replaced in tests.
var sshDial = func(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	// bound the handshake by the caller's deadline
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// sshAgentGetter is replaced in tests.
var sshAgentGetter = getSSHAgent

// IsConnectionTimeoutError reports whether err looks like a network timeout.
func IsConnectionTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out")
}

// IsConnectionRefusedError reports whether the host actively refused or is unreachable.
func IsConnectionRefusedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, model.ErrConnectionRefused) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route to host")
}

// IsAuthenticationError reports whether the server rejected every credential.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrAuthenticationFailed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "permission denied")
}

// IsHostKeyError reports whether the host key could not be verified.
func IsHostKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrHostKeyMismatch) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "host key mismatch") ||
		strings.Contains(msg, "unknown host key") ||
		strings.Contains(msg, "host key verification failed")
}

// ClassifyConnectionError maps a dial or handshake error for host onto the
// sentinels the executor understands. Timeouts wrap context.DeadlineExceeded.
func ClassifyConnectionError(host string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsHostKeyError(err):
		return fmt.Errorf("host key verification failed for %s: %w", host, joinSentinel(model.ErrHostKeyMismatch, err))
	case IsConnectionTimeoutError(err):
		return fmt.Errorf("connection to %s timed out: %w", host, joinSentinel(context.DeadlineExceeded, err))
	case IsConnectionRefusedError(err):
		return fmt.Errorf("connection to %s refused: %w", host, joinSentinel(model.ErrConnectionRefused, err))
	case IsAuthenticationError(err):
		return fmt.Errorf("authentication failed for %s: %w", host, joinSentinel(model.ErrAuthenticationFailed, err))
	default:
		return fmt.Errorf("failed to connect to %s: %w", host, err)
	}
}

func joinSentinel(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return errors.Join(sentinel, err)
}

// ParseHostPort splits an access name into host and port. A user@ prefix
// is dropped, brackets are removed from IPv6 literals and port is "" when
// absent.
func ParseHostPort(in string) (string, string, error) {
	s := strings.TrimSpace(in)
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "", "", fmt.Errorf("empty host in %q", in)
	}
	if h, p, err := net.SplitHostPort(s); err == nil {
		return h, p, nil
	}
	// bare IPv6 literal, with or without brackets
	return strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"), "", nil
}

// JoinHostPort joins host and port, using def when port is empty.
func JoinHostPort(host, port, def string) string {
	if port == "" {
		port = def
	}
	return net.JoinHostPort(host, port)
}

// CanonicalizeHostPort returns host:port with the default SSH port filled in.
func CanonicalizeHostPort(in string) string {
	h, p, err := ParseHostPort(in)
	if err != nil {
		return in
	}
	return JoinHostPort(h, p, DefaultPort)
}

func parseSigner(identity, passphrase []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(identity)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(identity, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt private key: %w", err)
	}
	return signer, nil
}

// IdentityEncrypted reports whether identity needs a passphrase to parse.
func IdentityEncrypted(identity []byte) bool {
	_, err := ssh.ParsePrivateKey(identity)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}
