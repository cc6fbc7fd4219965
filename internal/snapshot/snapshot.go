// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package snapshot stores resolved groups as Zstandard-compressed JSON so a
// resolution can be inspected or diffed after the fact.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/toeirei/keymaster-dsh/core/model"
)

// Version is the current snapshot format version.
const Version = 1

// Extension is appended to snapshot file names that lack it.
const Extension = ".zst"

// Snapshot is the serialized form.
type Snapshot struct {
	Version   int                   `json:"version"`
	Node      string                `json:"node,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	Groups    []model.ResolvedGroup `json:"groups"`
}

// New wraps groups in a Snapshot stamped with now.
func New(node string, now time.Time, groups ...model.ResolvedGroup) Snapshot {
	return Snapshot{Version: Version, Node: node, CreatedAt: now.UTC(), Groups: groups}
}

// DefaultFilename returns e.g. keymaster-dsh-testing-2026-01-02.json.zst.
func DefaultFilename(group string, now time.Time) string {
	if group == "" {
		group = "all"
	}
	return fmt.Sprintf("keymaster-dsh-%s-%s.json%s", group, now.Format("2006-01-02"), Extension)
}

// WithExtension appends Extension to name unless already present.
func WithExtension(name string) string {
	if strings.HasSuffix(name, Extension) {
		return name
	}
	return name + Extension
}

// Write encodes s to w.
func Write(w io.Writer, s Snapshot) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	encoder := json.NewEncoder(zw)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s); err != nil {
		_ = zw.Close()
		return fmt.Errorf("could not encode json to zstd writer: %w", err)
	}
	return zw.Close()
}

// Read decodes a snapshot from r.
func Read(r io.Reader) (Snapshot, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zr.Close()

	var s Snapshot
	if err := json.NewDecoder(zr).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("could not decode json from zstd reader: %w", err)
	}
	if s.Version == 0 || s.Version > Version {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return s, nil
}

// WriteFile writes s to filename with mode 0600.
func WriteFile(filename string, s Snapshot) error {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	if err := Write(file, s); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// ReadFile reads a snapshot written by WriteFile.
func ReadFile(filename string) (Snapshot, error) {
	file, err := os.Open(filename)
	if err != nil {
		return Snapshot{}, fmt.Errorf("could not open file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return Read(file)
}
