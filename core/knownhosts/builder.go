// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package knownhosts builds the known_hosts table an admin account uses to
// trust the members of a group.
package knownhosts

import (
	"fmt"
	"strings"

	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/internal/logging"
)

// Build returns the known-hosts table for group. Members lacking an access
// name or host key are skipped. Access names are unique: a later row for the
// same name replaces the earlier one in place. The local entry is always the
// final row and wins over any member row with the same access name.
func Build(members []model.NodeRecord, group, selfAccessName, selfHostKey string) model.KnownHostsTable {
	table := make(model.KnownHostsTable, 0, len(members)+1)
	index := make(map[string]int, len(members)+1)

	for _, n := range members {
		m, ok := n.Member(group)
		if !ok || m.AccessName == "" {
			logging.Warnf("known_hosts: skipping node %q in group %q: no access name", n.Name, group)
			continue
		}
		if n.HostKey == "" {
			logging.Warnf("known_hosts: skipping %s (node %q) in group %q: no host key", m.AccessName, n.Name, group)
			continue
		}
		if i, dup := index[m.AccessName]; dup {
			table[i].HostKey = n.HostKey
			continue
		}
		index[m.AccessName] = len(table)
		table = append(table, model.KnownHost{AccessName: m.AccessName, HostKey: n.HostKey})
	}

	if selfAccessName == "" || selfHostKey == "" {
		logging.Warnf("known_hosts: no local entry for group %q (access name %q)", group, selfAccessName)
		return table
	}
	if i, dup := index[selfAccessName]; dup {
		table = append(table[:i], table[i+1:]...)
	}
	return append(table, model.KnownHost{AccessName: selfAccessName, HostKey: selfHostKey})
}

// Parse reads a rendered known_hosts table. Blank lines and comments are
// ignored; the first occurrence of an access name wins.
func Parse(text string) (model.KnownHostsTable, error) {
	var table model.KnownHostsTable
	seen := map[string]bool{}
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, key, ok := strings.Cut(line, " ")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("known_hosts line %d: expected \"name key\"", i+1)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		table = append(table, model.KnownHost{AccessName: name, HostKey: key})
	}
	return table, nil
}
