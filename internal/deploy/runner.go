// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	cryptossh "github.com/toeirei/keymaster-dsh/core/crypto/ssh"
	"github.com/toeirei/keymaster-dsh/core/executor"
	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/core/security"
	"github.com/toeirei/keymaster-dsh/internal/logging"
	"golang.org/x/crypto/ssh"
)

// Runner executes commands and verifies host keys over SSH on behalf of the
// local admin account.
type Runner struct {
	Config ConnectionConfig
	// Identity is the admin's private key; empty means agent only.
	Identity   security.Secret
	Passphrase security.Secret

	mu      sync.Mutex
	clients []*ssh.Client
}

var (
	_ executor.RemoteExecutor = (*Runner)(nil)
	_ executor.HostVerifier   = (*Runner)(nil)
)

// NewRunner returns a Runner using identity and the default connection config.
func NewRunner(identity security.Secret) *Runner {
	return &Runner{Config: DefaultConnectionConfig(), Identity: identity}
}

func (r *Runner) addr(accessName string) (string, error) {
	host, port, err := ParseHostPort(accessName)
	if err != nil {
		return "", err
	}
	def := r.Config.Port
	if def == "" {
		def = DefaultPort
	}
	return JoinHostPort(host, port, def), nil
}

// pinnedHostKey accepts only the expected key.
func pinnedHostKey(expected string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		if expected == "" {
			return fmt.Errorf("unknown host key for %s: %w", hostname, model.ErrHostKeyMismatch)
		}
		if !cryptossh.KeysEqual(expected, presented) {
			return fmt.Errorf("%w for %s: presented %s", model.ErrHostKeyMismatch, hostname, presented)
		}
		return nil
	}
}

// hostKeyAlgorithms restricts negotiation to the algorithm of the expected
// key so a server holding several host keys presents the pinned one.
func hostKeyAlgorithms(expected string) []string {
	pub, err := cryptossh.ParsePublicKey(expected)
	if err != nil {
		return nil
	}
	if pub.Type() == ssh.KeyAlgoRSA {
		return []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}
	}
	return []string{pub.Type()}
}

// connect dials as user with the identity key and falls back to the agent
// when the key is rejected.
func (r *Runner) connect(ctx context.Context, user, accessName, hostKey string) (*ssh.Client, error) {
	addr, err := r.addr(accessName)
	if err != nil {
		return nil, err
	}
	timeout := r.Config.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	cfg := func(auth ssh.AuthMethod) *ssh.ClientConfig {
		return &ssh.ClientConfig{
			User:              user,
			Auth:              []ssh.AuthMethod{auth},
			HostKeyCallback:   pinnedHostKey(hostKey),
			HostKeyAlgorithms: hostKeyAlgorithms(hostKey),
			Timeout:           timeout,
		}
	}

	var firstErr error
	if !r.Identity.Empty() {
		signer, err := parseSigner(r.Identity, r.Passphrase)
		if err != nil {
			return nil, err
		}
		client, err := sshDial(ctx, "tcp", addr, cfg(ssh.PublicKeys(signer)))
		if err == nil {
			return client, nil
		}
		if !strings.Contains(err.Error(), "unable to authenticate") {
			return nil, ClassifyConnectionError(accessName, err)
		}
		firstErr = err
	}

	ag := sshAgentGetter()
	if ag == nil {
		if firstErr != nil {
			return nil, ClassifyConnectionError(accessName, fmt.Errorf("identity rejected and no ssh agent available: %w", firstErr))
		}
		return nil, fmt.Errorf("no authentication method available (no identity provided and no ssh agent found)")
	}
	client, err := sshDial(ctx, "tcp", addr, cfg(ssh.PublicKeysCallback(ag.Signers)))
	if err != nil {
		return nil, ClassifyConnectionError(accessName, err)
	}
	return client, nil
}

// Execute runs command on target. A non-zero exit is reported as
// *model.ExitError; cancellation of ctx kills the remote command.
func (r *Runner) Execute(ctx context.Context, target executor.Target, command string) (executor.Output, error) {
	var out executor.Output
	client, err := r.connect(ctx, target.User, target.Host, target.HostKey)
	if err != nil {
		return out, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return out, fmt.Errorf("open session on %s: %w", target.Host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(command); err != nil {
		return out, fmt.Errorf("start command on %s: %w", target.Host, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		out.Stdout, out.Stderr = stdout.Bytes(), stderr.Bytes()
		return out, ctx.Err()
	}
	out.Stdout, out.Stderr = stdout.Bytes(), stderr.Bytes()

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return out, nil
	case errors.As(err, &exitErr):
		return out, &model.ExitError{Code: exitErr.ExitStatus()}
	default:
		return out, fmt.Errorf("command on %s: %w", target.Host, err)
	}
}

// GetRemoteHostKey performs a handshake with accessName only to capture the
// host key it presents.
func (r *Runner) GetRemoteHostKey(ctx context.Context, accessName string) (ssh.PublicKey, error) {
	return r.remoteHostKey(ctx, accessName, nil)
}

// remoteHostKey captures the host key, offering only algorithms when set.
func (r *Runner) remoteHostKey(ctx context.Context, accessName string, algorithms []string) (ssh.PublicKey, error) {
	addr, err := r.addr(accessName)
	if err != nil {
		return nil, err
	}
	timeout := r.Config.HostKeyTimeout
	if timeout <= 0 {
		timeout = DefaultHostKeyTimeout
	}
	keyChan := make(chan ssh.PublicKey, 1)
	cfg := &ssh.ClientConfig{
		User: "keymaster-dsh-probe",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			keyChan <- key
			return ErrHostKeySuccessfullyRetrieved
		},
		HostKeyAlgorithms: algorithms,
		Timeout:           timeout,
	}
	client, err := sshDial(ctx, "tcp", addr, cfg)
	if client != nil {
		client.Close()
	}
	if err == nil {
		return nil, fmt.Errorf("handshake with %s succeeded unexpectedly, could not retrieve key", accessName)
	}
	if !errors.Is(err, ErrHostKeySuccessfullyRetrieved) && !strings.Contains(err.Error(), ErrHostKeySuccessfullyRetrieved.Error()) {
		return nil, ClassifyConnectionError(accessName, err)
	}
	select {
	case key := <-keyChan:
		return key, nil
	default:
		return nil, fmt.Errorf("no host key captured from %s", accessName)
	}
}

// Verify probes accessName and compares its host key with expectedHostKey.
func (r *Runner) Verify(ctx context.Context, accessName, expectedHostKey string) error {
	if strings.TrimSpace(expectedHostKey) == "" {
		return fmt.Errorf("no trusted host key for %s: %w", accessName, model.ErrHostKeyMismatch)
	}
	key, err := r.remoteHostKey(ctx, accessName, hostKeyAlgorithms(expectedHostKey))
	if err != nil {
		return err
	}
	presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if !cryptossh.KeysEqual(expectedHostKey, presented) {
		logging.Warnf("host key mismatch for %s: presented %s", accessName, presented)
		return fmt.Errorf("%w for %s", model.ErrHostKeyMismatch, accessName)
	}
	return nil
}

// SFTPDialer returns a dialer that opens an SFTP session to the account on
// host, pinning hostKey. Connections stay open until Close.
func (r *Runner) SFTPDialer(host, hostKey string) func(account string) (*sftp.Client, error) {
	return func(account string) (*sftp.Client, error) {
		client, err := r.connect(context.Background(), account, host, hostKey)
		if err != nil {
			return nil, err
		}
		sc, err := sftp.NewClient(client)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create sftp client: %w", err)
		}
		r.mu.Lock()
		r.clients = append(r.clients, client)
		r.mu.Unlock()
		return sc, nil
	}
}

// Close releases SSH connections opened for SFTP and wipes the identity.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Close()
	}
	r.clients = nil
	r.Identity.Zero()
	r.Passphrase.Zero()
}
