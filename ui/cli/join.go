// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	cryptossh "github.com/toeirei/keymaster-dsh/core/crypto/ssh"
	"github.com/toeirei/keymaster-dsh/core/resolver"
	"github.com/toeirei/keymaster-dsh/internal/db"
	"github.com/toeirei/keymaster-dsh/internal/fileaccess"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
)

// Admin identity written by --generate-identity, relative to the admin's home.
const (
	identityKeyPath = ".ssh/id_ed25519"
	identityPubPath = ".ssh/id_ed25519.pub"
)

func newJoinCmd() *cobra.Command {
	var (
		generateIdentity bool
		target           string
		targetHostKey    string
	)
	cmd := &cobra.Command{
		Use:   "join <group> [group...]",
		Short: i18n.T("join.short"),
		Long: `Resolves each group for this node: the admins' public keys are merged into
the member account's authorized_keys, and the admin account receives a
known_hosts table and a dsh group file listing every member. The result is
published back into the directory.

With --target the files are written over SFTP on another host, for admin
nodes that are managed centrally.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc := newServices(appConfig)
			defer svc.Close()

			local, err := localFor(appConfig)
			if err != nil {
				return err
			}
			dir, pub, err := svc.Directory()
			if err != nil {
				return err
			}

			var files resolver.FileAccess = localFiles(appConfig)
			if target != "" {
				if targetHostKey == "" {
					return errors.New(i18n.T("join.target_host_key_required"))
				}
				hostKey, err := cryptossh.NormalizePublicKey(targetHostKey)
				if err != nil {
					return fmt.Errorf("--target-host-key: %w", err)
				}
				runner, err := newRunner(appConfig, nil)
				if err != nil {
					return err
				}
				defer runner.Close()
				remote := fileaccess.NewSFTP(runner.SFTPDialer(target, hostKey))
				defer remote.Close()
				files = remote

				if appConfig.Local.Node == "" {
					local.Node = target
				}
				if appConfig.Local.AccessName == "" {
					local.AccessName = target
				}
				local.HostKey = hostKey
			}

			if generateIdentity {
				if err := ensureIdentity(files, local.AdminUser, local.AdminUser+"@"+local.Node); err != nil {
					return err
				}
			}

			r := resolver.New(dir, files, pub)
			outcomes := r.ResolveAll(ctx, args, local, appConfig.Exec.Concurrency)
			return reportJoin(ctx, cmd, svc, local, outcomes)
		},
	}
	applyDirectoryFlags(cmd)
	cmd.Flags().BoolVar(&generateIdentity, "generate-identity", false, "Create an ed25519 key pair for the admin account if it has none")
	cmd.Flags().StringVar(&target, "target", "", "Write the files on this host over SFTP instead of locally")
	cmd.Flags().StringVar(&targetHostKey, "target-host-key", "", "Expected host key of --target")
	return cmd
}

func reportJoin(ctx context.Context, cmd *cobra.Command, svc *services, local resolver.Local, outcomes []resolver.Outcome) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, o := range outcomes {
		entry := db.RunEntry{Kind: db.RunJoin, Group: o.Group, Node: local.Node, OK: true}
		var pe *resolver.PublishError
		switch {
		case o.Err == nil || errors.As(o.Err, &pe):
			rg := o.Resolved
			entry.Detail = i18n.T("join.resolved", rg.Group, len(rg.AuthorizedKeys), len(rg.KnownHosts), len(rg.Members))
			fmt.Fprintln(out, entry.Detail)
			if pe != nil {
				log.Warn(i18n.T("join.publish_failed", o.Group, pe.Err))
				entry.Detail += "; " + pe.Error()
			}
		default:
			failed++
			entry.OK = false
			entry.Detail = o.Err.Error()
			log.Error(i18n.T("join.failed", o.Group, o.Err))
		}
		svc.recordRun(ctx, entry)
	}
	if failed > 0 {
		return errSilent
	}
	return nil
}

// ensureIdentity creates an ed25519 key pair in the admin account unless
// one already exists.
func ensureIdentity(files resolver.FileAccess, admin, comment string) error {
	if admin == "" {
		return errors.New(i18n.T("join.identity_needs_admin"))
	}
	unlock, err := files.Lock(admin)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := files.ReadFile(admin, identityPubPath); err == nil {
		log.Info(i18n.T("join.identity_exists", admin))
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	pub, priv, err := cryptossh.GenerateIdentity(comment, "")
	if err != nil {
		return err
	}
	defer priv.Zero()
	if err := files.WriteFile(admin, identityKeyPath, priv.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := files.WriteFile(admin, identityPubPath, []byte(pub+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fp, _ := cryptossh.Fingerprint(pub)
	log.Info(i18n.T("join.identity_created", admin, fp))
	return nil
}
