// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors reported by remote execution collaborators.
var (
	ErrHostKeyMismatch      = errors.New("host key mismatch")
	ErrConnectionRefused    = errors.New("connection refused")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// HostState is the lifecycle state of one host during a fleet run.
type HostState int

const (
	Pending HostState = iota
	Dispatched
	Succeeded
	Failed
	TimedOut
	// Skipped marks a host never dispatched because the run was cancelled.
	Skipped
)

func (s HostState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Dispatched:
		return "dispatched"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed out"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("HostState(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s HostState) Terminal() bool {
	return s == Succeeded || s == Failed || s == TimedOut || s == Skipped
}

// FailureReason refines the Failed state.
type FailureReason int

const (
	NoFailure FailureReason = iota
	ConnectionRefused
	AuthenticationFailed
	NonZeroExit
	HostKeyMismatch
	ConnectionError
)

func (r FailureReason) String() string {
	switch r {
	case NoFailure:
		return ""
	case ConnectionRefused:
		return "connection refused"
	case AuthenticationFailed:
		return "authentication failed"
	case NonZeroExit:
		return "non-zero exit"
	case HostKeyMismatch:
		return "host key mismatch"
	case ConnectionError:
		return "connection error"
	default:
		return fmt.Sprintf("FailureReason(%d)", int(r))
	}
}

// ExecutionResult is the terminal outcome for one host.
type ExecutionResult struct {
	Index      int           `json:"index"`
	Host       string        `json:"host"`
	User       string        `json:"user"`
	State      HostState     `json:"state"`
	Reason     FailureReason `json:"reason,omitempty"`
	ExitStatus int           `json:"exit_status"`
	Err        error         `json:"-"`
	Stdout     []byte        `json:"stdout,omitempty"`
	Stderr     []byte        `json:"stderr,omitempty"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
}

// Outcome renders the state and reason for display.
func (r ExecutionResult) Outcome() string {
	switch r.State {
	case Failed:
		if r.Reason == NonZeroExit {
			return fmt.Sprintf("failed (exit %d)", r.ExitStatus)
		}
		return fmt.Sprintf("failed (%s)", r.Reason)
	default:
		return r.State.String()
	}
}

// ExecutionReport aggregates a fleet run. Results are ordered by dispatch
// index, never by completion order.
type ExecutionReport struct {
	Group     string            `json:"group"`
	Command   string            `json:"command"`
	Results   []ExecutionResult `json:"results"`
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	TimedOut  int               `json:"timed_out"`
	Skipped   int               `json:"skipped"`
}

// OK reports whether every host succeeded.
func (r ExecutionReport) OK() bool {
	return r.Succeeded == len(r.Results)
}
