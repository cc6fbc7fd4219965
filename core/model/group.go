// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"fmt"
	"strings"
	"time"
)

// AuthorizedKeySet is the ordered, duplicate-free key list of one account.
type AuthorizedKeySet []string

// Render joins the keys one per line without a trailing newline.
func (s AuthorizedKeySet) Render() string {
	return strings.Join(s, "\n")
}

// KnownHost is one trusted (access name, host key) pair.
type KnownHost struct {
	AccessName string `json:"name"`
	HostKey    string `json:"key"`
}

// KnownHostsTable is an ordered known-hosts table with unique access names.
type KnownHostsTable []KnownHost

// Render writes one "name key" line per entry, each newline-terminated.
func (t KnownHostsTable) Render() string {
	var b strings.Builder
	for _, h := range t {
		b.WriteString(h.AccessName)
		b.WriteByte(' ')
		b.WriteString(h.HostKey)
		b.WriteByte('\n')
	}
	return b.String()
}

// Lookup returns the host key recorded for accessName.
func (t KnownHostsTable) Lookup(accessName string) (string, bool) {
	for _, h := range t {
		if h.AccessName == accessName {
			return h.HostKey, true
		}
	}
	return "", false
}

// GroupMembership identifies one member line of a group file.
type GroupMembership struct {
	Group      string `json:"group"`
	User       string `json:"user"`
	AccessName string `json:"access_name"`
}

// String returns the user@accessName form used in group files.
func (m GroupMembership) String() string {
	return fmt.Sprintf("%s@%s", m.User, m.AccessName)
}

// ResolvedGroup is the immutable outcome of resolving one group.
type ResolvedGroup struct {
	Group          string            `json:"group"`
	Environment    string            `json:"environment"`
	AdminAccount   string            `json:"admin_account"`
	MemberAccount  string            `json:"member_account"`
	AuthorizedKeys AuthorizedKeySet  `json:"authorized_keys"`
	KnownHosts     KnownHostsTable   `json:"known_hosts"`
	Members        []GroupMembership `json:"members"`
	ResolvedAt     time.Time         `json:"resolved_at"`
}
