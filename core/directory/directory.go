// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package directory defines the query contract over the external node
// directory and the side-channel used to publish resolved state back into it.
// Backends live in internal/db, internal/inventory and internal/natsdir.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/toeirei/keymaster-dsh/core/model"
)

// ErrUnavailable is wrapped by every backend when the directory cannot be
// reached. It is transient from the caller's point of view.
var ErrUnavailable = errors.New("directory unavailable")

// RecordType selects which side of a group a query targets.
type RecordType string

const (
	Members RecordType = "member"
	Admins  RecordType = "admin"
)

// Query is the (recordType, group, environment) triple sent to a backend.
type Query struct {
	RecordType  RecordType `json:"record_type"`
	Group       string     `json:"group"`
	Environment string     `json:"environment"`
}

// String renders the query in directory search syntax, e.g.
// "dsh_groups:testing AND chef_environment:prod".
func (q Query) String() string {
	attr := "dsh_groups"
	if q.RecordType == Admins {
		attr = "dsh_admin_groups"
	}
	return fmt.Sprintf("%s:%s AND chef_environment:%s", attr, q.Group, q.Environment)
}

// Matches reports whether n satisfies q. Environment is an exact match.
func (q Query) Matches(n model.NodeRecord) bool {
	if n.Environment != q.Environment {
		return false
	}
	switch q.RecordType {
	case Admins:
		_, ok := n.Admin(q.Group)
		return ok
	default:
		_, ok := n.Member(q.Group)
		return ok
	}
}

// Client queries the directory. Both methods are side-effect free, return an
// empty slice when nothing matches and preserve backend order.
type Client interface {
	FindMembers(ctx context.Context, group, env string) ([]model.NodeRecord, error)
	FindAdmins(ctx context.Context, group, env string) ([]model.NodeRecord, error)
}

// Publisher advertises a node's resolved attributes back into the directory.
type Publisher interface {
	Publish(ctx context.Context, p model.Publication) error
}

// Lister is implemented by backends that can enumerate every record.
type Lister interface {
	ListNodes(ctx context.Context) ([]model.NodeRecord, error)
}

// Find dispatches q to the matching Client method.
func Find(ctx context.Context, c Client, q Query) ([]model.NodeRecord, error) {
	if q.RecordType == Admins {
		return c.FindAdmins(ctx, q.Group, q.Environment)
	}
	return c.FindMembers(ctx, q.Group, q.Environment)
}

// Filter returns the records of nodes matching q, in input order.
func Filter(nodes []model.NodeRecord, q Query) []model.NodeRecord {
	out := []model.NodeRecord{}
	for _, n := range nodes {
		if q.Matches(n) {
			out = append(out, n)
		}
	}
	return out
}

// Apply merges a publication into an existing record. Group entries named by
// the publication replace the existing ones; other groups are kept. An empty
// host key or environment leaves the stored value alone.
func Apply(n model.NodeRecord, p model.Publication) model.NodeRecord {
	out := n
	if p.Environment != "" {
		out.Environment = p.Environment
	}
	if p.HostKey != "" {
		out.HostKey = p.HostKey
	}
	if len(p.Groups) > 0 {
		groups := make(map[string]model.GroupMember, len(n.Groups)+len(p.Groups))
		for k, v := range n.Groups {
			groups[k] = v
		}
		for k, v := range p.Groups {
			groups[k] = v
		}
		out.Groups = groups
	}
	if len(p.AdminGroups) > 0 {
		admins := make(map[string]model.AdminMember, len(n.AdminGroups)+len(p.AdminGroups))
		for k, v := range n.AdminGroups {
			admins[k] = v
		}
		for k, v := range p.AdminGroups {
			admins[k] = v
		}
		out.AdminGroups = admins
	}
	return out
}
