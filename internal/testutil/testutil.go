// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil provides test doubles shared across packages: an embedded
// NATS server and a scripted remote executor.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/toeirei/keymaster-dsh/core/executor"
)

// RunNATS starts an in-process NATS server on a random local port and
// returns its client URL. The server shuts down with the test.
func RunNATS(t testing.TB) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoSigs: true, NoLog: true})
	if err != nil {
		t.Fatalf("new nats server: %v", err)
	}
	ns.Start()
	t.Cleanup(ns.Shutdown)
	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("nats server not ready")
	}
	return ns.ClientURL()
}

// Remote is an in-memory executor.RemoteExecutor and executor.HostVerifier.
// Every host succeeds and echoes "<command> on <host>" unless listed in Fail.
type Remote struct {
	// Fail maps an access name to the error Execute returns for it.
	Fail map[string]error
	// Mismatch maps an access name to the error Verify returns for it.
	Mismatch map[string]error

	mu       sync.Mutex
	ran      []executor.Target
	verified []string
}

var (
	_ executor.RemoteExecutor = (*Remote)(nil)
	_ executor.HostVerifier   = (*Remote)(nil)
)

// Execute implements executor.RemoteExecutor.
func (r *Remote) Execute(ctx context.Context, target executor.Target, command string) (executor.Output, error) {
	r.mu.Lock()
	r.ran = append(r.ran, target)
	err := r.Fail[target.Host]
	r.mu.Unlock()
	if err != nil {
		return executor.Output{}, err
	}
	return executor.Output{Stdout: []byte(command + " on " + target.Host + "\n")}, nil
}

// Verify implements executor.HostVerifier.
func (r *Remote) Verify(ctx context.Context, accessName, expectedHostKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified = append(r.verified, accessName)
	return r.Mismatch[accessName]
}

// Ran returns the targets Execute was called with, in call order.
func (r *Remote) Ran() []executor.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]executor.Target(nil), r.ran...)
}

// Verified returns the access names Verify was called with.
func (r *Remote) Verified() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.verified...)
}
