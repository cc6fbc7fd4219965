// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/uptrace/bun"
)

// NodeModel is a machine in the directory.
type NodeModel struct {
	bun.BaseModel `bun:"table:nodes,alias:n"`
	Name          string    `bun:"name,pk"`
	Environment   string    `bun:"environment"`
	HostKey       string    `bun:"host_key"`
	UpdatedAt     time.Time `bun:"updated_at"`
}

// GroupMemberModel is a node's membership in one group. AuthorizedKeys is
// newline separated.
type GroupMemberModel struct {
	bun.BaseModel  `bun:"table:group_members,alias:gm"`
	Node           string `bun:"node,pk"`
	Group          string `bun:"grp,pk"`
	User           string `bun:"user_name"`
	AccessName     string `bun:"access_name"`
	AuthorizedKeys string `bun:"authorized_keys"`
}

// AdminMemberModel is a node's admin entry for one group.
type AdminMemberModel struct {
	bun.BaseModel `bun:"table:admin_members,alias:am"`
	Node          string `bun:"node,pk"`
	Group         string `bun:"grp,pk"`
	PubKey        string `bun:"pub_key"`
	AdminUser     string `bun:"admin_user"`
}

// RunLogModel is one audit log entry.
type RunLogModel struct {
	bun.BaseModel `bun:"table:run_log,alias:rl"`
	ID            int64     `bun:"id,pk,autoincrement"`
	Kind          string    `bun:"kind"`
	Group         string    `bun:"grp"`
	Node          string    `bun:"node"`
	Detail        string    `bun:"detail"`
	OK            bool      `bun:"ok"`
	CreatedAt     time.Time `bun:"created_at"`
}
