// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"
)

// Run kinds recorded in the audit log.
const (
	RunJoin = "join"
	RunExec = "exec"
)

// RunEntry is one audit log record.
type RunEntry struct {
	ID     int64     `json:"id"`
	Kind   string    `json:"kind"`
	Group  string    `json:"group"`
	Node   string    `json:"node"`
	Detail string    `json:"detail"`
	OK     bool      `json:"ok"`
	At     time.Time `json:"at"`
}

// LogRun appends e to the audit log. A zero At is stamped with the current time.
func (s *Store) LogRun(ctx context.Context, e RunEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	row := &RunLogModel{Kind: e.Kind, Group: e.Group, Node: e.Node, Detail: e.Detail, OK: e.OK, CreatedAt: e.At.UTC()}
	if _, err := s.bun.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("record %s run for %s: %w", e.Kind, e.Group, err)
	}
	return nil
}

// History returns the newest entries first, at most limit (all when limit
// <= 0), filtered to group unless it is empty.
func (s *Store) History(ctx context.Context, group string, limit int) ([]RunEntry, error) {
	var rows []RunLogModel
	q := s.bun.NewSelect().Model(&rows).OrderExpr("rl.created_at DESC").OrderExpr("rl.id DESC")
	if group != "" {
		q = q.Where("rl.grp = ?", group)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("read run history: %w", err)
	}
	out := make([]RunEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, RunEntry{ID: r.ID, Kind: r.Kind, Group: r.Group, Node: r.Node, Detail: r.Detail, OK: r.OK, At: r.CreatedAt})
	}
	return out, nil
}

// PruneRuns deletes entries older than before and reports how many went.
func (s *Store) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.bun.NewDelete().Model((*RunLogModel)(nil)).Where("created_at < ?", before.UTC()).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune run history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
