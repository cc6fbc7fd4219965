// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/toeirei/keymaster-dsh/core/directory"
	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/util/mapst"
	"github.com/uptrace/bun"
)

// DefaultEnvironment is assigned to nodes published without one.
const DefaultEnvironment = "_default"

// Store is a directory backed by a SQL database.
type Store struct {
	bun    *bun.DB
	dbType string
}

var (
	_ directory.Client    = (*Store)(nil)
	_ directory.Lister    = (*Store)(nil)
	_ directory.Publisher = (*Store)(nil)
)

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.bun.Close() }

// BunDB exposes the bun handle for maintenance commands and tests.
func (s *Store) BunDB() *bun.DB { return s.bun }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
}

// FindMembers implements directory.Client.
func (s *Store) FindMembers(ctx context.Context, group, env string) ([]model.NodeRecord, error) {
	var names []string
	err := s.bun.NewSelect().Model((*GroupMemberModel)(nil)).
		Column("gm.node").
		Join("JOIN nodes AS n ON n.name = gm.node").
		Where("gm.grp = ?", group).
		Where("n.environment = ?", env).
		OrderExpr("gm.node ASC").
		Scan(ctx, &names)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.load(ctx, names)
}

// FindAdmins implements directory.Client.
func (s *Store) FindAdmins(ctx context.Context, group, env string) ([]model.NodeRecord, error) {
	var names []string
	err := s.bun.NewSelect().Model((*AdminMemberModel)(nil)).
		Column("am.node").
		Join("JOIN nodes AS n ON n.name = am.node").
		Where("am.grp = ?", group).
		Where("n.environment = ?", env).
		OrderExpr("am.node ASC").
		Scan(ctx, &names)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.load(ctx, names)
}

// ListNodes implements directory.Lister.
func (s *Store) ListNodes(ctx context.Context) ([]model.NodeRecord, error) {
	var nodes []NodeModel
	if err := s.bun.NewSelect().Model(&nodes).OrderExpr("n.name ASC").Scan(ctx); err != nil {
		return nil, unavailable(err)
	}
	var gms []GroupMemberModel
	if err := s.bun.NewSelect().Model(&gms).Scan(ctx); err != nil {
		return nil, unavailable(err)
	}
	var ams []AdminMemberModel
	if err := s.bun.NewSelect().Model(&ams).Scan(ctx); err != nil {
		return nil, unavailable(err)
	}
	return assemble(nodes, gms, ams), nil
}

// load returns the full records of the named nodes, ordered by name.
func (s *Store) load(ctx context.Context, names []string) ([]model.NodeRecord, error) {
	if len(names) == 0 {
		return []model.NodeRecord{}, nil
	}
	var nodes []NodeModel
	if err := s.bun.NewSelect().Model(&nodes).Where("n.name IN (?)", bun.In(names)).OrderExpr("n.name ASC").Scan(ctx); err != nil {
		return nil, unavailable(err)
	}
	var gms []GroupMemberModel
	if err := s.bun.NewSelect().Model(&gms).Where("gm.node IN (?)", bun.In(names)).Scan(ctx); err != nil {
		return nil, unavailable(err)
	}
	var ams []AdminMemberModel
	if err := s.bun.NewSelect().Model(&ams).Where("am.node IN (?)", bun.In(names)).Scan(ctx); err != nil {
		return nil, unavailable(err)
	}
	return assemble(nodes, gms, ams), nil
}

func assemble(nodes []NodeModel, gms []GroupMemberModel, ams []AdminMemberModel) []model.NodeRecord {
	out := make([]model.NodeRecord, 0, len(nodes))
	idx := make(map[string]int, len(nodes))
	for _, n := range nodes {
		idx[n.Name] = len(out)
		out = append(out, model.NodeRecord{Name: n.Name, Environment: n.Environment, HostKey: n.HostKey})
	}
	for _, gm := range gms {
		i, ok := idx[gm.Node]
		if !ok {
			continue
		}
		if out[i].Groups == nil {
			out[i].Groups = map[string]model.GroupMember{}
		}
		out[i].Groups[gm.Group] = model.GroupMember{
			User:           gm.User,
			AccessName:     gm.AccessName,
			AuthorizedKeys: splitKeys(gm.AuthorizedKeys),
		}
	}
	for _, am := range ams {
		i, ok := idx[am.Node]
		if !ok {
			continue
		}
		if out[i].AdminGroups == nil {
			out[i].AdminGroups = map[string]model.AdminMember{}
		}
		out[i].AdminGroups[am.Group] = model.AdminMember{PubKey: am.PubKey, AdminUser: am.AdminUser}
	}
	return out
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Publish implements directory.Publisher. The node row is created or
// updated and each published group entry replaces the stored one; groups
// not mentioned are left alone.
func (s *Store) Publish(ctx context.Context, p model.Publication) error {
	if p.Node == "" {
		return errors.New("publication has no node name")
	}
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := upsertNode(ctx, tx, p.Node, p.Environment, p.HostKey); err != nil {
			return err
		}
		for _, g := range mapst.SortedKeys(p.Groups) {
			if err := replaceMember(ctx, tx, p.Node, g, p.Groups[g]); err != nil {
				return err
			}
		}
		for _, g := range mapst.SortedKeys(p.AdminGroups) {
			if err := replaceAdmin(ctx, tx, p.Node, g, p.AdminGroups[g]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ImportNodes replaces the stored records of the given nodes, dropping
// group entries they no longer carry. It returns the number of nodes written.
func (s *Store) ImportNodes(ctx context.Context, nodes []model.NodeRecord) (int, error) {
	written := 0
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, n := range nodes {
			if n.Name == "" {
				return errors.New("node without a name")
			}
			if err := upsertNode(ctx, tx, n.Name, n.Environment, n.HostKey); err != nil {
				return err
			}
			if _, err := tx.NewDelete().Model((*GroupMemberModel)(nil)).Where("node = ?", n.Name).Exec(ctx); err != nil {
				return fmt.Errorf("clear memberships of %s: %w", n.Name, err)
			}
			if _, err := tx.NewDelete().Model((*AdminMemberModel)(nil)).Where("node = ?", n.Name).Exec(ctx); err != nil {
				return fmt.Errorf("clear admin entries of %s: %w", n.Name, err)
			}
			for _, g := range mapst.SortedKeys(n.Groups) {
				if err := replaceMember(ctx, tx, n.Name, g, n.Groups[g]); err != nil {
					return err
				}
			}
			for _, g := range mapst.SortedKeys(n.AdminGroups) {
				if err := replaceAdmin(ctx, tx, n.Name, g, n.AdminGroups[g]); err != nil {
					return err
				}
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// DeleteNode removes a node and all of its group entries.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*GroupMemberModel)(nil)).Where("node = ?", name).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*AdminMemberModel)(nil)).Where("node = ?", name).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*NodeModel)(nil)).Where("name = ?", name).Exec(ctx)
		return err
	})
}

// upsertNode creates the node or updates the non-empty fields given.
func upsertNode(ctx context.Context, tx bun.Tx, name, env, hostKey string) error {
	var n NodeModel
	err := tx.NewSelect().Model(&n).Where("n.name = ?", name).Limit(1).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if env == "" {
			env = DefaultEnvironment
		}
		n = NodeModel{Name: name, Environment: env, HostKey: hostKey, UpdatedAt: time.Now().UTC()}
		if _, err := tx.NewInsert().Model(&n).Exec(ctx); err != nil {
			return fmt.Errorf("insert node %s: %w", name, MapDBError(err))
		}
		return nil
	case err != nil:
		return fmt.Errorf("load node %s: %w", name, err)
	}
	if env != "" {
		n.Environment = env
	}
	if hostKey != "" {
		n.HostKey = hostKey
	}
	n.UpdatedAt = time.Now().UTC()
	if _, err := tx.NewUpdate().Model(&n).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update node %s: %w", name, err)
	}
	return nil
}

func replaceMember(ctx context.Context, tx bun.Tx, node, group string, m model.GroupMember) error {
	if _, err := tx.NewDelete().Model((*GroupMemberModel)(nil)).Where("node = ?", node).Where("grp = ?", group).Exec(ctx); err != nil {
		return fmt.Errorf("replace membership %s/%s: %w", node, group, err)
	}
	row := &GroupMemberModel{
		Node:           node,
		Group:          group,
		User:           m.User,
		AccessName:     m.AccessName,
		AuthorizedKeys: strings.Join(m.AuthorizedKeys, "\n"),
	}
	if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert membership %s/%s: %w", node, group, MapDBError(err))
	}
	return nil
}

func replaceAdmin(ctx context.Context, tx bun.Tx, node, group string, a model.AdminMember) error {
	if _, err := tx.NewDelete().Model((*AdminMemberModel)(nil)).Where("node = ?", node).Where("grp = ?", group).Exec(ctx); err != nil {
		return fmt.Errorf("replace admin entry %s/%s: %w", node, group, err)
	}
	row := &AdminMemberModel{Node: node, Group: group, PubKey: a.PubKey, AdminUser: a.AdminUser}
	if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert admin entry %s/%s: %w", node, group, MapDBError(err))
	}
	return nil
}
