// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

// GroupMember describes how a node participates in a group as a member.
type GroupMember struct {
	// User is the local account admins log into on the member.
	User string `json:"user" yaml:"user"`
	// AccessName is the address admins use to reach the member.
	AccessName string `json:"access_name" yaml:"access_name"`
	// AuthorizedKeys is published state: the admin keys this node trusts.
	AuthorizedKeys []string `json:"authorized_keys,omitempty" yaml:"authorized_keys,omitempty"`
}

// AdminMember describes a node acting as an admin of a group.
type AdminMember struct {
	PubKey    string `json:"pubkey" yaml:"pubkey"`
	AdminUser string `json:"admin_user,omitempty" yaml:"admin_user,omitempty"`
}

// NodeRecord is one directory entry for a machine.
type NodeRecord struct {
	Name        string                 `json:"name" yaml:"name"`
	Environment string                 `json:"environment" yaml:"environment"`
	Groups      map[string]GroupMember `json:"groups,omitempty" yaml:"groups,omitempty"`
	AdminGroups map[string]AdminMember `json:"admin_groups,omitempty" yaml:"admin_groups,omitempty"`
	HostKey     string                 `json:"host_key,omitempty" yaml:"host_key,omitempty"`
}

// Member returns the node's membership in group, if any.
func (n NodeRecord) Member(group string) (GroupMember, bool) {
	m, ok := n.Groups[group]
	return m, ok
}

// Admin returns the node's admin entry for group, if any.
func (n NodeRecord) Admin(group string) (AdminMember, bool) {
	a, ok := n.AdminGroups[group]
	return a, ok
}

// Publication is the attribute set a node advertises back into the directory
// after a successful resolution.
type Publication struct {
	Node        string                 `json:"node"`
	Environment string                 `json:"environment"`
	HostKey     string                 `json:"host_key,omitempty"`
	Groups      map[string]GroupMember `json:"groups,omitempty"`
	AdminGroups map[string]AdminMember `json:"admin_groups,omitempty"`
	Hosts       []KnownHost            `json:"hosts,omitempty"`
}

// Record converts the publication into the node record it describes.
func (p Publication) Record() NodeRecord {
	return NodeRecord{
		Name:        p.Node,
		Environment: p.Environment,
		Groups:      p.Groups,
		AdminGroups: p.AdminGroups,
		HostKey:     p.HostKey,
	}
}
