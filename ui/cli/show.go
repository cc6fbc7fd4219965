// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/toeirei/keymaster-dsh/core/resolver"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
)

func newShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <group>",
		Short: i18n.T("show.short"),
		Long:  `Resolves a group without writing any file or publishing anything, and prints what join would write.`,
		Args:  cobra.ExactArgs(1),
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
			rg, err := resolver.New(dir, localFiles(appConfig), nil).Plan(cmd.Context(), args[0], local)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rg)
			}
			renderResolved(cmd.OutOrStdout(), rg)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the resolution as JSON")
	applyDirectoryFlags(cmd)
	return cmd
}
