// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/toeirei/keymaster-dsh/core/directory"
	"github.com/toeirei/keymaster-dsh/internal/config"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
	"github.com/toeirei/keymaster-dsh/internal/inventory"
	"github.com/toeirei/keymaster-dsh/internal/natsdir"
)

func newDirectoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: i18n.T("directory.short"),
	}
	cmd.AddCommand(newDirectoryImportCmd(), newDirectoryListCmd(), newDirectoryServeCmd())
	return cmd
}

func newDirectoryImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <inventory.yaml>",
		Short: i18n.T("directory.import.short"),
		Long: `Seeds the database directory from an inventory YAML file. Every node in the
file replaces the stored record of the same name; other nodes are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := inventory.ReadFile(args[0])
			if err != nil {
				return err
			}
			svc := newServices(appConfig)
			defer svc.Close()
			st, err := svc.Store()
			if err != nil {
				return err
			}
			n, err := st.ImportNodes(cmd.Context(), nodes)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("directory.import.done", n, args[0]))
			return nil
		},
	}
	applyDefaultFlags(cmd)
	return cmd
}

func newDirectoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: i18n.T("directory.list.short"),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := newServices(appConfig)
			defer svc.Close()
			dir, _, err := svc.Directory()
			if err != nil {
				return err
			}
			lister, ok := dir.(directory.Lister)
			if !ok {
				return errors.New(i18n.T("directory.list.unsupported", appConfig.Directory.Backend))
			}
			nodes, err := lister.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			renderNodes(cmd.OutOrStdout(), nodes)
			return nil
		},
	}
	applyDirectoryFlags(cmd)
	return cmd
}

func newDirectoryServeCmd() *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: i18n.T("directory.serve.short"),
		Long: `Answers directory queries and stores publications arriving over NATS,
using the database or file backend of this host. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if appConfig.Directory.Backend == config.BackendNATS {
				return errors.New(i18n.T("directory.serve.needs_local_backend"))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := newServices(appConfig)
			defer svc.Close()
			// the local backend always accepts publications relayed over NATS
			cfg := appConfig
			cfg.Publish.Enabled = !readOnly
			svc.cfg = cfg
			dir, pub, err := svc.Directory()
			if err != nil {
				return err
			}

			nc, err := natsdir.Connect(appConfig.Directory.NatsURL, appConfig.Directory.Timeout)
			if err != nil {
				return err
			}
			defer nc.Close()

			r := &natsdir.Responder{Conn: nc, Prefix: appConfig.Directory.NatsSubjectPrefix, Directory: dir, Publisher: pub}
			if err := r.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = r.Stop() }()
			log.Info(i18n.T("directory.serve.listening", natsdir.QuerySubject(r.Prefix), appConfig.Directory.NatsURL))

			<-ctx.Done()
			log.Info(i18n.T("directory.serve.stopping"))
			return ignoreCanceled(ctx.Err())
		},
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Reject publications")
	cmd.Flags().String("directory.nats_subject_prefix", "dsh", "Subject prefix")
	applyDirectoryFlags(cmd)
	return cmd
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
