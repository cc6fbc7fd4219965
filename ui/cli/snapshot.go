// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/core/resolver"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
	"github.com/toeirei/keymaster-dsh/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: i18n.T("snapshot.short"),
	}
	cmd.AddCommand(newSnapshotExportCmd(), newSnapshotShowCmd())
	return cmd
}

func newSnapshotExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <group> [group...]",
		Short: i18n.T("snapshot.export.short"),
		Long: `Plans each group against the directory, without writing anything, and stores
the results in a Zstandard-compressed JSON file. '.zst' is appended to the
output name if missing.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := newServices(appConfig)
			defer svc.Close()
			local, err := localFor(appConfig)
			if err != nil {
				return err
			}
			dir, _, err := svc.Directory()
			if err != nil {
				return err
			}
			r := resolver.New(dir, localFiles(appConfig), nil)

			groups := make([]model.ResolvedGroup, 0, len(args))
			for _, g := range args {
				rg, err := r.Plan(cmd.Context(), g, local)
				if err != nil {
					return err
				}
				groups = append(groups, rg)
			}

			now := time.Now()
			name := output
			if name == "" {
				label := args[0]
				if len(args) > 1 {
					label = ""
				}
				name = snapshot.DefaultFilename(label, now)
			}
			name = snapshot.WithExtension(name)
			if err := snapshot.WriteFile(name, snapshot.New(local.Node, now, groups...)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("snapshot.export.done", len(groups), name))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file")
	applyDirectoryFlags(cmd)
	return cmd
}

func newSnapshotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: i18n.T("snapshot.show.short"),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.ReadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, i18n.T("snapshot.show.header", snap.Node, snap.CreatedAt.Format(time.RFC3339)))
			for _, rg := range snap.Groups {
				renderResolved(out, rg)
			}
			return nil
		},
	}
}
