// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	cryptossh "github.com/toeirei/keymaster-dsh/core/crypto/ssh"
	"github.com/toeirei/keymaster-dsh/core/executor"
	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/core/security"
	"github.com/toeirei/keymaster-dsh/internal/fileaccess"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// testServer is an in-process SSH server understanding a few fake commands:
// "echo X", "fail N" and "sleep". It also serves an in-memory sftp subsystem.
type testServer struct {
	addr    string
	hostKey string
}

func startServer(t *testing.T, authorized ssh.PublicKey, extraHostKeys ...ssh.Signer) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("key not authorized for %s", c.User())
		},
	}
	cfg.AddHostKey(signer)
	for _, k := range extraHostKeys {
		cfg.AddHostKey(k)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()
	return &testServer{
		addr:    ln.Addr().String(),
		hostKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
	}
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, creqs)
	}
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &p)
			_ = req.Reply(true, nil)
			switch {
			case strings.HasPrefix(p.Command, "echo "):
				_, _ = io.WriteString(ch, strings.TrimPrefix(p.Command, "echo ")+"\n")
				sendExit(ch, 0)
				return
			case strings.HasPrefix(p.Command, "fail "):
				n, _ := strconv.Atoi(strings.TrimPrefix(p.Command, "fail "))
				_, _ = io.WriteString(ch.Stderr(), "failing\n")
				sendExit(ch, n)
				return
			}
			// "sleep": keep the channel open until a signal or disconnect
		case "subsystem":
			var p struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &p)
			if p.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(reqs)
			srv := sftp.NewRequestServer(ch, sftp.InMemHandler())
			_ = srv.Serve()
			return
		case "signal":
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func sendExit(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

// identity returns a private key and its parsed public half.
func identity(t *testing.T) (security.Secret, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := cryptossh.GenerateIdentity("admin@test", "")
	if err != nil {
		t.Fatal(err)
	}
	pk, err := cryptossh.ParsePublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return priv, pk
}

func noAgent(t *testing.T) {
	t.Helper()
	orig := sshAgentGetter
	sshAgentGetter = func() agent.Agent { return nil }
	t.Cleanup(func() { sshAgentGetter = orig })
}

func TestRunner_ExecuteSuccess(t *testing.T) {
	noAgent(t)
	priv, pub := identity(t)
	srv := startServer(t, pub)
	r := NewRunner(priv)
	defer r.Close()

	out, err := r.Execute(context.Background(), executor.Target{User: "deploy", Host: srv.addr, HostKey: srv.hostKey}, "echo hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out.Stdout) != "hello\n" {
		t.Fatalf("unexpected stdout %q", out.Stdout)
	}
}

func TestRunner_ExecuteNonZeroExit(t *testing.T) {
	noAgent(t)
	priv, pub := identity(t)
	srv := startServer(t, pub)

	out, err := NewRunner(priv).Execute(context.Background(), executor.Target{User: "deploy", Host: srv.addr, HostKey: srv.hostKey}, "fail 3")
	var exit *model.ExitError
	if !errors.As(err, &exit) || exit.Code != 3 {
		t.Fatalf("expected exit 3, got %v", err)
	}
	if string(out.Stderr) != "failing\n" {
		t.Fatalf("stderr not captured: %q", out.Stderr)
	}
}

func TestRunner_ExecutePinnedKeyMismatch(t *testing.T) {
	noAgent(t)
	priv, pub := identity(t)
	srv := startServer(t, pub)
	other, _, _ := cryptossh.GenerateIdentity("other", "")

	_, err := NewRunner(priv).Execute(context.Background(), executor.Target{User: "deploy", Host: srv.addr, HostKey: other}, "echo hi")
	if !errors.Is(err, model.ErrHostKeyMismatch) {
		t.Fatalf("expected host key mismatch, got %v", err)
	}
}

func TestRunner_AuthenticationFailure(t *testing.T) {
	noAgent(t)
	priv, _ := identity(t)
	_, stranger := identity(t)
	srv := startServer(t, stranger)

	_, err := NewRunner(priv).Execute(context.Background(), executor.Target{User: "deploy", Host: srv.addr, HostKey: srv.hostKey}, "echo hi")
	if !errors.Is(err, model.ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestRunner_AgentFallback(t *testing.T) {
	_, agentPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: agentPriv}); err != nil {
		t.Fatal(err)
	}
	orig := sshAgentGetter
	sshAgentGetter = func() agent.Agent { return keyring }
	defer func() { sshAgentGetter = orig }()

	agentSigner, _ := ssh.NewSignerFromKey(agentPriv)
	srv := startServer(t, agentSigner.PublicKey())

	// the identity is rejected, the agent key is accepted
	priv, _ := identity(t)
	out, err := NewRunner(priv).Execute(context.Background(), executor.Target{User: "deploy", Host: srv.addr, HostKey: srv.hostKey}, "echo via-agent")
	if err != nil {
		t.Fatalf("Execute via agent: %v", err)
	}
	if string(out.Stdout) != "via-agent\n" {
		t.Fatalf("unexpected stdout %q", out.Stdout)
	}
}

func TestRunner_NoAuthMethod(t *testing.T) {
	noAgent(t)
	srv := startServer(t, nil)
	_, err := NewRunner(nil).Execute(context.Background(), executor.Target{User: "deploy", Host: srv.addr, HostKey: srv.hostKey}, "echo hi")
	if err == nil || !strings.Contains(err.Error(), "no authentication method available") {
		t.Fatalf("expected no authentication method error, got %v", err)
	}
}

func TestRunner_EncryptedIdentityRequiresPassphrase(t *testing.T) {
	noAgent(t)
	_, priv, err := cryptossh.GenerateIdentity("enc", "passphrase")
	if err != nil {
		t.Fatal(err)
	}
	srv := startServer(t, nil)
	_, err = NewRunner(priv).Execute(context.Background(), executor.Target{User: "deploy", Host: srv.addr, HostKey: srv.hostKey}, "echo hi")
	if !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestRunner_ConnectionRefused(t *testing.T) {
	noAgent(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	priv, _ := identity(t)

	_, err = NewRunner(priv).Execute(context.Background(), executor.Target{User: "deploy", Host: addr, HostKey: "ssh-ed25519 AAAA"}, "echo hi")
	if !errors.Is(err, model.ErrConnectionRefused) {
		t.Fatalf("expected connection refused, got %v", err)
	}
}

func TestRunner_CancelKillsCommand(t *testing.T) {
	noAgent(t)
	priv, pub := identity(t)
	srv := startServer(t, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewRunner(priv).Execute(ctx, executor.Target{User: "deploy", Host: srv.addr, HostKey: srv.hostKey}, "sleep")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancel did not stop the command promptly")
	}
}

func TestRunner_Verify(t *testing.T) {
	srv := startServer(t, nil)
	r := NewRunner(nil)

	if err := r.Verify(context.Background(), srv.addr, srv.hostKey+" root@member"); err != nil {
		t.Fatalf("Verify with matching key: %v", err)
	}
	other, _, _ := cryptossh.GenerateIdentity("", "")
	if err := r.Verify(context.Background(), srv.addr, other); !errors.Is(err, model.ErrHostKeyMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := r.Verify(context.Background(), srv.addr, ""); !errors.Is(err, model.ErrHostKeyMismatch) {
		t.Fatalf("expected mismatch without trust anchor, got %v", err)
	}
}

func TestRunner_PinsHostKeyAlgorithm(t *testing.T) {
	noAgent(t)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ecSigner, err := ssh.NewSignerFromKey(ecKey)
	if err != nil {
		t.Fatal(err)
	}
	priv, pub := identity(t)
	// the server also holds an ECDSA key, which clients prefer by default
	srv := startServer(t, pub, ecSigner)
	r := NewRunner(priv)
	defer r.Close()

	if err := r.Verify(context.Background(), srv.addr, srv.hostKey); err != nil {
		t.Fatalf("Verify rejected the ed25519 key of a multi-key host: %v", err)
	}
	out, err := r.Execute(context.Background(), executor.Target{User: "deploy", Host: srv.addr, HostKey: srv.hostKey}, "echo pinned")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out.Stdout) != "pinned\n" {
		t.Fatalf("unexpected stdout %q", out.Stdout)
	}

	ecLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(ecSigner.PublicKey())))
	if err := r.Verify(context.Background(), srv.addr, ecLine); err != nil {
		t.Fatalf("Verify with the ECDSA key: %v", err)
	}
}

func TestHostKeyAlgorithms(t *testing.T) {
	edLine, _, err := cryptossh.GenerateIdentity("", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := hostKeyAlgorithms(edLine); len(got) != 1 || got[0] != ssh.KeyAlgoED25519 {
		t.Fatalf("ed25519 algorithms = %v", got)
	}
	if got := hostKeyAlgorithms("garbage"); got != nil {
		t.Fatalf("unparsable key must leave defaults, got %v", got)
	}
}

func TestGetRemoteHostKey_WithInjectedDial(t *testing.T) {
	pubLine, _, err := cryptossh.GenerateIdentity("", "")
	if err != nil {
		t.Fatal(err)
	}
	pk, _ := cryptossh.ParsePublicKey(pubLine)

	orig := sshDial
	defer func() { sshDial = orig }()
	sshDial = func(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		if addr != "example.com:22" {
			t.Errorf("unexpected address %q", addr)
		}
		return nil, cfg.HostKeyCallback(addr, &net.TCPAddr{}, pk)
	}

	got, err := NewRunner(nil).GetRemoteHostKey(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("GetRemoteHostKey returned error: %v", err)
	}
	if !bytes.Equal(got.Marshal(), pk.Marshal()) {
		t.Fatalf("retrieved key does not match expected key")
	}
}

func TestRunner_SFTPDialerServesFileAccess(t *testing.T) {
	noAgent(t)
	priv, pub := identity(t)
	srv := startServer(t, pub)
	r := NewRunner(priv)
	defer r.Close()

	files := fileaccess.NewSFTP(r.SFTPDialer(srv.addr, srv.hostKey))
	defer files.Close()

	if err := files.WriteFile("admin", ".dsh/group/testing", []byte("memberuser@memberhost\n"), 0o644); err != nil {
		t.Fatalf("WriteFile over ssh: %v", err)
	}
	data, err := files.ReadFile("admin", ".dsh/group/testing")
	if err != nil || string(data) != "memberuser@memberhost\n" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}
}
