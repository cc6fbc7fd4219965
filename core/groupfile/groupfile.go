// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package groupfile renders and parses dsh group files: one user@host line
// per group member.
package groupfile

import (
	"fmt"
	"strings"

	"github.com/toeirei/keymaster-dsh/core/model"
)

// Memberships lists the memberships of group in the order members were
// supplied. Repeated entries are kept: they mirror repeated directory entries.
func Memberships(members []model.NodeRecord, group string) []model.GroupMembership {
	out := make([]model.GroupMembership, 0, len(members))
	for _, n := range members {
		m, ok := n.Member(group)
		if !ok {
			continue
		}
		out = append(out, model.GroupMembership{Group: group, User: m.User, AccessName: m.AccessName})
	}
	return out
}

// Render returns the group file text for group. Every line ends in a newline.
func Render(members []model.NodeRecord, group string) string {
	return RenderMemberships(Memberships(members, group))
}

// RenderMemberships renders already collected memberships.
func RenderMemberships(ms []model.GroupMembership) string {
	var b strings.Builder
	for _, m := range ms {
		b.WriteString(m.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Parse reads a group file back into memberships of group. Blank lines and
// lines starting with '#' are ignored.
func Parse(group, text string) ([]model.GroupMembership, error) {
	var out []model.GroupMembership
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, host, ok := strings.Cut(line, "@")
		if !ok || user == "" || host == "" {
			return nil, fmt.Errorf("group file %q line %d: expected user@host, got %q", group, i+1, line)
		}
		out = append(out, model.GroupMembership{Group: group, User: user, AccessName: host})
	}
	return out, nil
}
