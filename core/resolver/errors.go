// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package resolver

import (
	"fmt"

	"github.com/toeirei/keymaster-dsh/core/directory"
)

// ResolutionError reports a failed directory query. It aborts the affected
// group only.
type ResolutionError struct {
	Group string
	Query directory.Query
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve group %q: query %q: %v", e.Group, e.Query.String(), e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// FileAccessError reports a credential file that could not be read or
// replaced. Writes are atomic, so the previous content is still in place.
type FileAccessError struct {
	Group   string
	Account string
	Path    string
	Err     error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("resolve group %q: %s for account %q: %v", e.Group, e.Path, e.Account, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

// ConfigurationError reports a local setup that cannot serve the group.
type ConfigurationError struct {
	Group  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("resolve group %q: configuration error: %s", e.Group, e.Reason)
}

// PublishError reports a failed publish after the group's files were
// written. The resolved group returned alongside it is valid.
type PublishError struct {
	Group string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish group %q: %v", e.Group, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
