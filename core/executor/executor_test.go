// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toeirei/keymaster-dsh/core/model"
)

func group(n int) model.ResolvedGroup {
	rg := model.ResolvedGroup{Group: "testing"}
	for i := 0; i < n; i++ {
		host := fmt.Sprintf("host%d", i)
		rg.Members = append(rg.Members, model.GroupMembership{Group: "testing", User: "deploy", AccessName: host})
		rg.KnownHosts = append(rg.KnownHosts, model.KnownHost{AccessName: host, HostKey: "key-" + host})
	}
	return rg
}

// fakeRemote runs fn per host and tracks concurrency.
type fakeRemote struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	calls    map[string]int
	fn       func(ctx context.Context, t Target) (Output, error)
}

func (f *fakeRemote) Execute(ctx context.Context, t Target, command string) (Output, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[t.Host]++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if f.fn != nil {
		return f.fn(ctx, t)
	}
	return Output{Stdout: []byte("ok")}, nil
}

type fakeVerifier map[string]string

func (v fakeVerifier) Verify(ctx context.Context, host, expected string) error {
	if got, ok := v[host]; ok && got != expected {
		return fmt.Errorf("%s: %w", host, model.ErrHostKeyMismatch)
	}
	return nil
}

func TestRun_BoundsConcurrency(t *testing.T) {
	remote := &fakeRemote{fn: func(ctx context.Context, t Target) (Output, error) {
		time.Sleep(30 * time.Millisecond)
		return Output{}, nil
	}}
	e := &Executor{Remote: remote}

	rep := e.Run(context.Background(), group(5), "uptime", 2, time.Second)

	if remote.peak > 2 {
		t.Fatalf("expected at most 2 concurrent hosts, saw %d", remote.peak)
	}
	if rep.Succeeded != 5 || rep.Attempted != 5 || !rep.OK() {
		t.Fatalf("unexpected report: %+v", rep)
	}
	for i, r := range rep.Results {
		if r.Index != i || r.Host != fmt.Sprintf("host%d", i) {
			t.Fatalf("report not in dispatch order at %d: %+v", i, r)
		}
	}
}

func TestRun_RecordsDuration(t *testing.T) {
	remote := &fakeRemote{fn: func(ctx context.Context, t Target) (Output, error) {
		time.Sleep(50 * time.Millisecond)
		return Output{}, nil
	}}
	rep := (&Executor{Remote: remote}).Run(context.Background(), group(2), "uptime", 2, time.Second)
	for _, r := range rep.Results {
		if r.State != model.Succeeded || r.Duration < 50*time.Millisecond {
			t.Fatalf("%s: state=%s duration=%s", r.Host, r.State, r.Duration)
		}
	}
}

func TestRun_ZeroConcurrencyMeansOne(t *testing.T) {
	remote := &fakeRemote{fn: func(ctx context.Context, t Target) (Output, error) {
		time.Sleep(5 * time.Millisecond)
		return Output{}, nil
	}}
	rep := (&Executor{Remote: remote}).Run(context.Background(), group(3), "true", 0, 0)
	if remote.peak != 1 || rep.Succeeded != 3 {
		t.Fatalf("expected serial run, peak=%d report=%+v", remote.peak, rep)
	}
}

func TestRun_TimeoutIsolated(t *testing.T) {
	remote := &fakeRemote{fn: func(ctx context.Context, t Target) (Output, error) {
		if t.Host == "host1" {
			<-ctx.Done()
			return Output{}, ctx.Err()
		}
		return Output{}, nil
	}}
	rep := (&Executor{Remote: remote}).Run(context.Background(), group(3), "sleep 60", 3, 50*time.Millisecond)

	if rep.Results[1].State != model.TimedOut {
		t.Fatalf("expected host1 to time out, got %s", rep.Results[1].State)
	}
	for _, i := range []int{0, 2} {
		if rep.Results[i].State != model.Succeeded {
			t.Fatalf("host%d affected by a peer timeout: %+v", i, rep.Results[i])
		}
	}
	if rep.TimedOut != 1 || rep.Failed != 1 || rep.Succeeded != 2 || rep.OK() {
		t.Fatalf("unexpected counters: %+v", rep)
	}
}

func TestRun_HostKeyMismatchNeverExecutes(t *testing.T) {
	remote := &fakeRemote{}
	e := &Executor{Remote: remote, Verifier: fakeVerifier{"host0": "forged"}}

	rep := e.Run(context.Background(), group(2), "id", 2, time.Second)

	r := rep.Results[0]
	if r.State != model.Failed || r.Reason != model.HostKeyMismatch || r.Attempts != 0 {
		t.Fatalf("expected mismatch with no attempts, got %+v", r)
	}
	if remote.calls["host0"] != 0 {
		t.Fatalf("command executed on mismatched host")
	}
	if rep.Results[1].State != model.Succeeded || rep.Results[1].Attempts != 1 {
		t.Fatalf("healthy host affected: %+v", rep.Results[1])
	}
}

func TestRun_MissingKnownHostEntry(t *testing.T) {
	rg := group(2)
	rg.KnownHosts = rg.KnownHosts[:1]
	remote := &fakeRemote{}

	rep := (&Executor{Remote: remote}).Run(context.Background(), rg, "id", 2, time.Second)

	if r := rep.Results[1]; r.State != model.Failed || r.Reason != model.HostKeyMismatch || r.Attempts != 0 {
		t.Fatalf("expected host without trust anchor to fail, got %+v", r)
	}
	if remote.calls["host1"] != 0 {
		t.Fatalf("connected to host without known_hosts entry")
	}
}

func TestRun_ClassifiesFailures(t *testing.T) {
	errs := map[string]error{
		"host0": fmt.Errorf("dial: %w", model.ErrConnectionRefused),
		"host1": fmt.Errorf("handshake: %w", model.ErrAuthenticationFailed),
		"host2": &model.ExitError{Code: 3},
		"host3": fmt.Errorf("broken pipe"),
	}
	remote := &fakeRemote{fn: func(ctx context.Context, t Target) (Output, error) {
		return Output{Stderr: []byte("boom")}, errs[t.Host]
	}}
	rep := (&Executor{Remote: remote}).Run(context.Background(), group(4), "false", 4, time.Second)

	want := []model.FailureReason{model.ConnectionRefused, model.AuthenticationFailed, model.NonZeroExit, model.ConnectionError}
	for i, reason := range want {
		r := rep.Results[i]
		if r.State != model.Failed || r.Reason != reason {
			t.Fatalf("host%d: expected %s, got %s/%s", i, reason, r.State, r.Reason)
		}
		if r.Attempts != 1 {
			t.Fatalf("host%d retried: %d attempts", i, r.Attempts)
		}
	}
	if rep.Results[2].ExitStatus != 3 || rep.Results[2].Outcome() != "failed (exit 3)" {
		t.Fatalf("exit status not reported: %+v", rep.Results[2])
	}
	if string(rep.Results[3].Stderr) != "boom" {
		t.Fatalf("stderr not captured")
	}
}

func TestRun_CancellationSkipsPendingAndDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var started atomic.Int32
	var finished atomic.Int32
	remote := &fakeRemote{fn: func(hctx context.Context, t Target) (Output, error) {
		if started.Add(1) == 2 {
			cancel()
		}
		<-release
		if hctx.Err() != nil {
			return Output{}, hctx.Err()
		}
		finished.Add(1)
		return Output{}, nil
	}}

	done := make(chan model.ExecutionReport)
	go func() {
		done <- (&Executor{Remote: remote}).Run(ctx, group(5), "deploy", 2, 0)
	}()

	// wait until the cancel has happened, then let in-flight hosts finish
	for started.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	rep := <-done

	if finished.Load() != 2 {
		t.Fatalf("in-flight hosts were abandoned: finished=%d", finished.Load())
	}
	if rep.Succeeded != 2 || rep.Skipped != 3 || rep.Attempted != 2 {
		t.Fatalf("unexpected report after cancel: %+v", rep)
	}
	for _, r := range rep.Results[2:] {
		if r.State != model.Skipped || r.Attempts != 0 {
			t.Fatalf("pending host not skipped: %+v", r)
		}
	}
	for _, r := range rep.Results {
		if !r.State.Terminal() {
			t.Fatalf("non-terminal state in report: %+v", r)
		}
	}
}

func TestRun_StreamsResults(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]model.HostState{}
	e := &Executor{Remote: &fakeRemote{}, OnResult: func(r model.ExecutionResult) {
		mu.Lock()
		seen[r.Host] = r.State
		mu.Unlock()
	}}
	e.Run(context.Background(), group(3), "true", 3, time.Second)
	if len(seen) != 3 {
		t.Fatalf("expected 3 streamed results, got %v", seen)
	}
	for h, s := range seen {
		if s != model.Succeeded {
			t.Fatalf("%s streamed %s", h, s)
		}
	}
}

func TestRun_EmptyGroup(t *testing.T) {
	rep := (&Executor{Remote: &fakeRemote{}}).Run(context.Background(), model.ResolvedGroup{Group: "empty"}, "true", 4, time.Second)
	if len(rep.Results) != 0 || !rep.OK() || rep.Attempted != 0 {
		t.Fatalf("unexpected report for empty group: %+v", rep)
	}
}
