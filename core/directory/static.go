// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/toeirei/keymaster-dsh/core/model"
)

// Static is an in-memory directory. Publications are merged into the record
// with the same node name, so it also serves as a Publisher. It is safe for concurrent
// use.
type Static struct {
	mu    sync.RWMutex
	nodes []model.NodeRecord
	// Err, when set, is returned (wrapped in ErrUnavailable) from every query.
	Err error
	// Queries records every query served, in order.
	Queries []Query
}

// NewStatic returns a Static directory seeded with nodes.
func NewStatic(nodes ...model.NodeRecord) *Static {
	return &Static{nodes: append([]model.NodeRecord(nil), nodes...)}
}

// FindMembers implements Client.
func (s *Static) FindMembers(ctx context.Context, group, env string) ([]model.NodeRecord, error) {
	return s.find(ctx, Query{RecordType: Members, Group: group, Environment: env})
}

// FindAdmins implements Client.
func (s *Static) FindAdmins(ctx context.Context, group, env string) ([]model.NodeRecord, error) {
	return s.find(ctx, Query{RecordType: Admins, Group: group, Environment: env})
}

func (s *Static) find(ctx context.Context, q Query) ([]model.NodeRecord, error) {
	s.mu.Lock()
	s.Queries = append(s.Queries, q)
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Filter(s.nodes, q), nil
}

// ListNodes implements Lister.
func (s *Static) ListNodes(ctx context.Context) ([]model.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.NodeRecord(nil), s.nodes...), nil
}

// Publish implements Publisher.
func (s *Static) Publish(ctx context.Context, p model.Publication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nodes {
		if s.nodes[i].Name == p.Node {
			s.nodes[i] = Apply(s.nodes[i], p)
			return nil
		}
	}
	s.nodes = append(s.nodes, p.Record())
	return nil
}
