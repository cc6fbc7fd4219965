// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package inventory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/toeirei/keymaster-dsh/core/directory"
	"github.com/toeirei/keymaster-dsh/core/model"
)

const sample = `nodes:
  - name: admin1
    environment: _default
    admin_groups:
      testing:
        pubkey: admingrouppubkey
  - name: member2
    environment: _default
    host_key: key2
    groups:
      testing:
        user: deploy
        access_name: host2
  - name: member1
    environment: _default
    host_key: key1
    groups:
      testing:
        user: deploy
        access_name: host1
  - name: staging1
    environment: staging
    groups:
      testing:
        user: deploy
        access_name: stage
`

func writeSample(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "inventory.yaml")
	if err := os.WriteFile(p, []byte(sample), 0o644); err != nil {
		t.Fatalf("write inventory: %v", err)
	}
	return p
}

func TestFindPreservesDeclarationOrder(t *testing.T) {
	d := New(writeSample(t))
	ctx := context.Background()

	members, err := d.FindMembers(ctx, "testing", "_default")
	if err != nil {
		t.Fatalf("FindMembers: %v", err)
	}
	var names []string
	for _, m := range members {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff([]string{"member2", "member1"}, names); diff != "" {
		t.Fatalf("member order mismatch (-want +got):\n%s", diff)
	}

	admins, err := d.FindAdmins(ctx, "testing", "_default")
	if err != nil || len(admins) != 1 || admins[0].AdminGroups["testing"].PubKey != "admingrouppubkey" {
		t.Fatalf("unexpected admins %+v, %v", admins, err)
	}

	none, err := d.FindAdmins(ctx, "testing", "prod")
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil result, got %v, %v", none, err)
	}
}

func TestMissingFileIsUnavailable(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := d.FindMembers(context.Background(), "testing", "_default"); !errors.Is(err, directory.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestMalformedFileIsUnavailable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(p, []byte("nodes: [ {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(p).ListNodes(context.Background()); !errors.Is(err, directory.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNamelessNodeRejected(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nameless.yaml")
	if err := os.WriteFile(p, []byte("nodes:\n  - environment: prod\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(p); err == nil {
		t.Fatal("expected error for node without a name")
	}
}

func TestPublishWritesBack(t *testing.T) {
	p := writeSample(t)
	d := New(p)
	ctx := context.Background()

	err := d.Publish(ctx, model.Publication{
		Node:    "member1",
		HostKey: "rotated",
		Groups:  map[string]model.GroupMember{"testing": {User: "deploy", AccessName: "host1", AuthorizedKeys: []string{"admingrouppubkey"}}},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := d.Publish(ctx, model.Publication{Node: "newcomer", AdminGroups: map[string]model.AdminMember{"ops": {PubKey: "np"}}}); err != nil {
		t.Fatalf("Publish new node: %v", err)
	}

	nodes, err := ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d", len(nodes))
	}
	if nodes[2].Name != "member1" || nodes[2].HostKey != "rotated" {
		t.Fatalf("member1 not updated in place: %+v", nodes[2])
	}
	if diff := cmp.Diff([]string{"admingrouppubkey"}, nodes[2].Groups["testing"].AuthorizedKeys); diff != "" {
		t.Fatalf("published keys mismatch (-want +got):\n%s", diff)
	}
	if nodes[4].Name != "newcomer" || nodes[4].Environment != "_default" {
		t.Fatalf("new node not appended with default environment: %+v", nodes[4])
	}
	if err := d.Publish(ctx, model.Publication{}); err == nil {
		t.Fatal("expected error for nameless publication")
	}
}

func TestPublishCreatesMissingFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "fresh.yaml")
	d := New(p)
	if err := d.Publish(context.Background(), model.Publication{Node: "n", Environment: "prod"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	nodes, err := d.ListNodes(context.Background())
	if err != nil || len(nodes) != 1 || nodes[0].Environment != "prod" {
		t.Fatalf("unexpected nodes %+v, %v", nodes, err)
	}
}
