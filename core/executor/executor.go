// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package executor runs one command across every member of a resolved group
// with bounded concurrency and a per-host timeout. Each host's outcome is
// isolated from the others and the run always produces a complete report.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/internal/logging"
	"golang.org/x/sync/semaphore"
)

// Target identifies one remote account and the host key it must present.
type Target struct {
	User    string
	Host    string
	HostKey string
}

// Output is what a remote command wrote.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// RemoteExecutor runs a command on a remote account. Implementations report
// failures with model.ErrConnectionRefused, model.ErrAuthenticationFailed,
// *model.ExitError or the context's error.
type RemoteExecutor interface {
	Execute(ctx context.Context, target Target, command string) (Output, error)
}

// HostVerifier checks the key a host presents against the expected one and
// returns model.ErrHostKeyMismatch when they differ.
type HostVerifier interface {
	Verify(ctx context.Context, accessName, expectedHostKey string) error
}

// Executor fans a command out over a group's members.
type Executor struct {
	Remote RemoteExecutor
	// Verifier is optional; when nil only the pinned key in Target guards
	// the connection.
	Verifier HostVerifier
	// AdminUser is the local account running the command, for logging.
	AdminUser string
	// OnResult, when set, receives every terminal result as it happens.
	// Calls are serialized.
	OnResult func(model.ExecutionResult)
}

// Run executes command on every member of rg, at most maxConcurrency at a
// time (minimum 1), in member order. Hosts still pending when ctx is
// cancelled are skipped; hosts already dispatched run to completion or to
// their own timeout. A non-positive perHostTimeout disables the timeout.
func (e *Executor) Run(ctx context.Context, rg model.ResolvedGroup, command string, maxConcurrency int, perHostTimeout time.Duration) model.ExecutionReport {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	log := logging.With("group", rg.Group, "as", e.AdminUser)

	results := make([]model.ExecutionResult, len(rg.Members))
	for i, m := range rg.Members {
		results[i] = model.ExecutionResult{Index: i, Host: m.AccessName, User: m.User, State: model.Pending}
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var wg sync.WaitGroup
	var emitMu sync.Mutex
	emit := func(r model.ExecutionResult) {
		if e.OnResult == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		e.OnResult(r)
	}

	for i := range rg.Members {
		if ctx.Err() != nil || sem.Acquire(ctx, 1) != nil {
			for j := i; j < len(results); j++ {
				results[j].State = model.Skipped
				emit(results[j])
			}
			log.Warn("run cancelled, remaining hosts skipped", "skipped", len(results)-i)
			break
		}
		results[i].State = model.Dispatched
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			r := e.runHost(ctx, rg, results[i], command, perHostTimeout)
			results[i] = r
			emit(r)
		}(i)
	}
	wg.Wait()

	report := model.ExecutionReport{Group: rg.Group, Command: command, Results: results}
	for _, r := range results {
		switch r.State {
		case model.Succeeded:
			report.Succeeded++
		case model.Failed:
			report.Failed++
		case model.TimedOut:
			report.Failed++
			report.TimedOut++
		case model.Skipped:
			report.Skipped++
		}
		if r.State != model.Skipped {
			report.Attempted++
		}
	}
	log.Info("run finished", "hosts", len(results), "succeeded", report.Succeeded, "failed", report.Failed, "timed_out", report.TimedOut, "skipped", report.Skipped)
	return report
}

func (e *Executor) runHost(parent context.Context, rg model.ResolvedGroup, r model.ExecutionResult, command string, timeout time.Duration) (res model.ExecutionResult) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	// In-flight commands outlive caller cancellation; only the per-host
	// timeout stops them.
	ctx := context.WithoutCancel(parent)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hostKey, ok := rg.KnownHosts.Lookup(r.Host)
	if !ok {
		r.State, r.Reason, r.Err = model.Failed, model.HostKeyMismatch, model.ErrHostKeyMismatch
		logging.Warnf("no known_hosts entry for %s, refusing to connect", r.Host)
		return r
	}
	if e.Verifier != nil {
		if err := e.Verifier.Verify(ctx, r.Host, hostKey); err != nil {
			classify(ctx, &r, err)
			return r
		}
	}
	if e.Remote == nil {
		r.State, r.Reason, r.Err = model.Failed, model.ConnectionError, errors.New("no remote executor configured")
		return r
	}

	r.Attempts++
	out, err := e.Remote.Execute(ctx, Target{User: r.User, Host: r.Host, HostKey: hostKey}, command)
	r.Stdout, r.Stderr = out.Stdout, out.Stderr
	if err != nil {
		classify(ctx, &r, err)
		return r
	}
	r.State = model.Succeeded
	return r
}

func classify(ctx context.Context, r *model.ExecutionResult, err error) {
	r.Err = err
	var exit *model.ExitError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.State = model.TimedOut
	case errors.Is(err, model.ErrHostKeyMismatch):
		r.State, r.Reason = model.Failed, model.HostKeyMismatch
	case errors.Is(err, model.ErrConnectionRefused):
		r.State, r.Reason = model.Failed, model.ConnectionRefused
	case errors.Is(err, model.ErrAuthenticationFailed):
		r.State, r.Reason = model.Failed, model.AuthenticationFailed
	case errors.As(err, &exit):
		r.State, r.Reason, r.ExitStatus = model.Failed, model.NonZeroExit, exit.Code
	default:
		r.State, r.Reason = model.Failed, model.ConnectionError
	}
}
