// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package inventory implements a node directory stored in a single YAML
// file. The file is re-read on every query so hand edits are picked up
// without a restart.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/toeirei/keymaster-dsh/core/directory"
	"github.com/toeirei/keymaster-dsh/core/model"
	"gopkg.in/yaml.v3"
)

const lockRetry = 50 * time.Millisecond

// File is the on-disk layout.
type File struct {
	Nodes []model.NodeRecord `yaml:"nodes"`
}

// Directory is a YAML-file backed directory.
type Directory struct {
	Path string
	mu   sync.Mutex
}

var (
	_ directory.Client    = (*Directory)(nil)
	_ directory.Lister    = (*Directory)(nil)
	_ directory.Publisher = (*Directory)(nil)
)

// New returns a Directory reading path.
func New(path string) *Directory {
	return &Directory{Path: path}
}

// ReadFile parses an inventory file.
func ReadFile(path string) ([]model.NodeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, n := range f.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("parse %s: node %d has no name", path, i+1)
		}
	}
	return f.Nodes, nil
}

// WriteFile replaces path with nodes, going through a temp file and rename.
func WriteFile(path string, nodes []model.NodeRecord) error {
	data, err := yaml.Marshal(File{Nodes: nodes})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (d *Directory) load() ([]model.NodeRecord, error) {
	nodes, err := ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	return nodes, nil
}

// FindMembers implements directory.Client.
func (d *Directory) FindMembers(ctx context.Context, group, env string) ([]model.NodeRecord, error) {
	return d.find(ctx, directory.Query{RecordType: directory.Members, Group: group, Environment: env})
}

// FindAdmins implements directory.Client.
func (d *Directory) FindAdmins(ctx context.Context, group, env string) ([]model.NodeRecord, error) {
	return d.find(ctx, directory.Query{RecordType: directory.Admins, Group: group, Environment: env})
}

func (d *Directory) find(ctx context.Context, q directory.Query) ([]model.NodeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
	}
	nodes, err := d.load()
	if err != nil {
		return nil, err
	}
	return directory.Filter(nodes, q), nil
}

// ListNodes implements directory.Lister.
func (d *Directory) ListNodes(ctx context.Context) ([]model.NodeRecord, error) {
	return d.load()
}

// Publish merges p into the file under an exclusive file lock. A missing
// file is created.
func (d *Directory) Publish(ctx context.Context, p model.Publication) error {
	if p.Node == "" {
		return errors.New("publication has no node name")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	fl := flock.New(d.Path + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("lock %s: %w", d.Path, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", d.Path)
	}
	defer fl.Unlock()

	nodes, err := ReadFile(d.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	found := false
	for i := range nodes {
		if nodes[i].Name == p.Node {
			nodes[i] = directory.Apply(nodes[i], p)
			found = true
			break
		}
	}
	if !found {
		rec := p.Record()
		if rec.Environment == "" {
			rec.Environment = "_default"
		}
		nodes = append(nodes, rec)
	}
	return WriteFile(d.Path, nodes)
}
