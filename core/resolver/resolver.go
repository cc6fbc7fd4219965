// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package resolver resolves dsh groups: it queries the directory for a
// group's admins and members, merges the admins' keys into the local member
// account, builds the admin account's known_hosts table and group file,
// persists them and publishes the outcome back into the directory.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/toeirei/keymaster-dsh/core/directory"
	"github.com/toeirei/keymaster-dsh/core/groupfile"
	"github.com/toeirei/keymaster-dsh/core/keys"
	"github.com/toeirei/keymaster-dsh/core/knownhosts"
	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Per-account artifact paths, relative to the account's home.
const (
	AuthorizedKeysPath = ".ssh/authorized_keys"
	KnownHostsPath     = ".ssh/known_hosts"
	GroupDir           = ".dsh/group"
)

// identityFiles are probed in order for the admin account's public key.
var identityFiles = []string{".ssh/id_ed25519.pub", ".ssh/id_rsa.pub"}

// GroupFilePath returns the group file path for group, relative to home.
func GroupFilePath(group string) string {
	return path.Join(GroupDir, group)
}

// FileAccess reads and atomically replaces files in account home directories.
type FileAccess interface {
	// ReadFile returns an error wrapping fs.ErrNotExist when the file is missing.
	ReadFile(account, rel string) ([]byte, error)
	// WriteFile replaces the file atomically, creating parent directories.
	WriteFile(account, rel string, data []byte, perm os.FileMode) error
	// Lock takes an exclusive cross-process lock on the account's files.
	Lock(account string) (unlock func(), err error)
}

// Local describes this node's part in a group.
type Local struct {
	Node        string
	Environment string
	// MemberUser receives the admins' public keys.
	MemberUser string
	// AccessName is the address admins use to reach this node.
	AccessName string
	// AdminUser receives known_hosts and the group file; empty when this
	// node is not an admin of the group.
	AdminUser string
	// HostKey is this node's own SSH host public key.
	HostKey string
}

// Resolver orchestrates group resolution.
type Resolver struct {
	Directory directory.Client
	Files     FileAccess
	// Publisher is optional; nil disables publishing.
	Publisher directory.Publisher
	Locks     *AccountLocks
	Now       func() time.Time
}

// New returns a Resolver using the package-wide account locks.
func New(dir directory.Client, files FileAccess, pub directory.Publisher) *Resolver {
	return &Resolver{Directory: dir, Files: files, Publisher: pub}
}

// Resolve performs a full resolution of group: it queries the directory,
// writes the credential files and publishes the result. On a directory,
// configuration or file error nothing is reported as resolved. A
// *PublishError is returned together with a valid ResolvedGroup.
func (r *Resolver) Resolve(ctx context.Context, group string, local Local) (model.ResolvedGroup, error) {
	return r.resolve(ctx, group, local, true)
}

// Plan resolves group without writing files or publishing.
func (r *Resolver) Plan(ctx context.Context, group string, local Local) (model.ResolvedGroup, error) {
	return r.resolve(ctx, group, local, false)
}

func (r *Resolver) resolve(ctx context.Context, group string, local Local, apply bool) (model.ResolvedGroup, error) {
	if strings.TrimSpace(group) == "" || strings.ContainsAny(group, "/\\") {
		return model.ResolvedGroup{}, &ConfigurationError{Group: group, Reason: "invalid group name"}
	}
	if r.Directory == nil {
		return model.ResolvedGroup{}, &ConfigurationError{Group: group, Reason: "no directory configured"}
	}
	if r.Files == nil {
		return model.ResolvedGroup{}, &ConfigurationError{Group: group, Reason: "no file access configured"}
	}
	log := logging.With("group", group, "env", local.Environment)

	adminQuery := directory.Query{RecordType: directory.Admins, Group: group, Environment: local.Environment}
	admins, err := directory.Find(ctx, r.Directory, adminQuery)
	if err != nil {
		return model.ResolvedGroup{}, &ResolutionError{Group: group, Query: adminQuery, Err: err}
	}
	if len(admins) > 0 && local.MemberUser == "" {
		return model.ResolvedGroup{}, &ConfigurationError{
			Group:  group,
			Reason: fmt.Sprintf("%d admin node(s) found but no member account is configured to receive their keys", len(admins)),
		}
	}

	memberQuery := directory.Query{RecordType: directory.Members, Group: group, Environment: local.Environment}
	members, err := directory.Find(ctx, r.Directory, memberQuery)
	if err != nil {
		return model.ResolvedGroup{}, &ResolutionError{Group: group, Query: memberQuery, Err: err}
	}
	log.Debug("directory answered", "admins", len(admins), "members", len(members))

	rg := model.ResolvedGroup{
		Group:         group,
		Environment:   local.Environment,
		AdminAccount:  local.AdminUser,
		MemberAccount: local.MemberUser,
		KnownHosts:    knownhosts.Build(members, group, local.AccessName, local.HostKey),
		Members:       groupfile.Memberships(members, group),
		ResolvedAt:    r.now(),
	}

	if apply {
		release, err := lockAccounts(r.locks(), r.Files, local.MemberUser, local.AdminUser)
		if err != nil {
			var fe *FileAccessError
			if errors.As(err, &fe) {
				fe.Group = group
			}
			return model.ResolvedGroup{}, err
		}
		defer release()
	}

	// The read-merge-write of authorized_keys happens under the member
	// account's lock so concurrent groups sharing the account cannot lose
	// each other's keys.
	var discovered []string
	if local.MemberUser != "" {
		existing, err := r.read(group, local.MemberUser, AuthorizedKeysPath)
		if err != nil {
			return model.ResolvedGroup{}, err
		}
		blob := existing
		for _, a := range admins {
			am, _ := a.Admin(group)
			if strings.TrimSpace(am.PubKey) == "" {
				log.Warn("admin node has no public key, skipping", "node", a.Name)
				continue
			}
			blob = keys.Merge(blob, []string{am.PubKey})
			discovered = append(discovered, am.PubKey)
		}
		rg.AuthorizedKeys = keys.Lines(blob)
	}

	if !apply {
		return rg, nil
	}

	if err := r.persist(group, local, rg); err != nil {
		return model.ResolvedGroup{}, err
	}
	log.Info("group resolved", "members", len(rg.Members), "known_hosts", len(rg.KnownHosts), "authorized_keys", len(rg.AuthorizedKeys))

	if r.Publisher != nil {
		pub := r.publication(group, local, rg, discovered)
		if err := r.Publisher.Publish(ctx, pub); err != nil {
			log.Warn("publishing resolved state failed", "err", err)
			return rg, &PublishError{Group: group, Err: err}
		}
	}
	return rg, nil
}

func (r *Resolver) persist(group string, local Local, rg model.ResolvedGroup) error {
	if local.MemberUser != "" {
		if err := r.write(group, local.MemberUser, AuthorizedKeysPath, rg.AuthorizedKeys.Render(), 0o600); err != nil {
			return err
		}
	}
	if local.AdminUser != "" {
		if err := r.write(group, local.AdminUser, KnownHostsPath, rg.KnownHosts.Render(), 0o600); err != nil {
			return err
		}
		if err := r.write(group, local.AdminUser, GroupFilePath(group), groupfile.RenderMemberships(rg.Members), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) publication(group string, local Local, rg model.ResolvedGroup, discovered []string) model.Publication {
	pub := model.Publication{
		Node:        local.Node,
		Environment: local.Environment,
		HostKey:     local.HostKey,
		Groups:      map[string]model.GroupMember{},
		AdminGroups: map[string]model.AdminMember{},
		Hosts:       rg.KnownHosts,
	}
	var adminPub string
	if local.AdminUser != "" {
		adminPub = r.adminPubKey(local.AdminUser)
		pub.AdminGroups[group] = model.AdminMember{PubKey: adminPub, AdminUser: local.AdminUser}
	}
	if local.MemberUser != "" {
		trusted := append([]string(nil), discovered...)
		sort.Strings(trusted)
		if adminPub != "" {
			trusted = append(trusted, adminPub)
		}
		pub.Groups[group] = model.GroupMember{
			User:           local.MemberUser,
			AccessName:     local.AccessName,
			AuthorizedKeys: keys.Lines(keys.Merge("", trusted)),
		}
	}
	return pub
}

// adminPubKey returns the admin account's own public key, or "" if it has none.
func (r *Resolver) adminPubKey(account string) string {
	for _, rel := range identityFiles {
		data, err := r.Files.ReadFile(account, rel)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	logging.Warnf("no public key found for admin account %q", account)
	return ""
}

func (r *Resolver) read(group, account, rel string) (string, error) {
	data, err := r.Files.ReadFile(account, rel)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &FileAccessError{Group: group, Account: account, Path: rel, Err: err}
	}
	return string(data), nil
}

func (r *Resolver) write(group, account, rel, content string, perm os.FileMode) error {
	if err := r.Files.WriteFile(account, rel, []byte(content), perm); err != nil {
		return &FileAccessError{Group: group, Account: account, Path: rel, Err: err}
	}
	return nil
}

func (r *Resolver) locks() *AccountLocks {
	if r.Locks != nil {
		return r.Locks
	}
	return defaultLocks
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Outcome is the result of resolving one group in ResolveAll.
type Outcome struct {
	Group    string
	Resolved model.ResolvedGroup
	Err      error
}

// ResolveAll resolves groups concurrently, at most limit at a time (no limit
// when limit <= 0). Each group is isolated: a failure never cancels the
// others. Outcomes are returned in input order.
func (r *Resolver) ResolveAll(ctx context.Context, groups []string, local Local, limit int) []Outcome {
	out := make([]Outcome, len(groups))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, name := range groups {
		i, name := i, name
		g.Go(func() error {
			rg, err := r.Resolve(ctx, name, local)
			out[i] = Outcome{Group: name, Resolved: rg, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Load reads back the group file and known_hosts that Resolve persisted for
// admin. A group never joined on this node is a ConfigurationError.
func Load(files FileAccess, group, admin string) (model.ResolvedGroup, error) {
	if admin == "" {
		return model.ResolvedGroup{}, &ConfigurationError{Group: group, Reason: "no admin account configured"}
	}
	rel := GroupFilePath(group)
	data, err := files.ReadFile(admin, rel)
	if errors.Is(err, fs.ErrNotExist) {
		return model.ResolvedGroup{}, &ConfigurationError{Group: group, Reason: "group has not been joined by " + admin}
	}
	if err != nil {
		return model.ResolvedGroup{}, &FileAccessError{Group: group, Account: admin, Path: rel, Err: err}
	}
	members, err := groupfile.Parse(group, string(data))
	if err != nil {
		return model.ResolvedGroup{}, &FileAccessError{Group: group, Account: admin, Path: rel, Err: err}
	}

	rg := model.ResolvedGroup{Group: group, AdminAccount: admin, Members: members}
	data, err = files.ReadFile(admin, KnownHostsPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logging.Warnf("no known_hosts for %q, every member will be refused", admin)
	case err != nil:
		return model.ResolvedGroup{}, &FileAccessError{Group: group, Account: admin, Path: KnownHostsPath, Err: err}
	default:
		table, err := knownhosts.Parse(string(data))
		if err != nil {
			return model.ResolvedGroup{}, &FileAccessError{Group: group, Account: admin, Path: KnownHostsPath, Err: err}
		}
		rg.KnownHosts = table
	}
	return rg, nil
}
