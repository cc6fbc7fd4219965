// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/toeirei/keymaster-dsh/internal/db"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit     int
		pruneDays int
	)
	cmd := &cobra.Command{
		Use:   "history [group]",
		Short: i18n.T("history.short"),
		Long: `Lists recorded join and exec runs, newest first. With --prune-days, entries
older than that many days are deleted instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := newServices(appConfig)
			defer svc.Close()
			st, err := svc.Store()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if pruneDays > 0 {
				n, err := st.PruneRuns(cmd.Context(), time.Now().AddDate(0, 0, -pruneDays))
				if err != nil {
					return err
				}
				fmt.Fprintln(out, i18n.T("history.pruned", n, pruneDays))
				return nil
			}

			var group string
			if len(args) == 1 {
				group = args[0]
			}
			entries, err := st.History(cmd.Context(), group, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, i18n.T("history.empty"))
				return nil
			}
			renderHistory(out, entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show (0 for all)")
	cmd.Flags().IntVar(&pruneDays, "prune-days", 0, "Delete entries older than this many days")
	applyDefaultFlags(cmd)
	return cmd
}

func newDBMaintainCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "db-maintain",
		Short: i18n.T("dbmaintain.short"),
		Long: `Runs engine-specific maintenance on the configured database: VACUUM and
ANALYZE for SQLite and PostgreSQL, OPTIMIZE TABLE for MySQL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			log.Info(i18n.T("dbmaintain.starting", appConfig.Database.Type))
			if err := db.RunDBMaintenance(ctx, appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
				return fmt.Errorf("%s: %w", i18n.T("dbmaintain.failed"), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("dbmaintain.done"))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort maintenance after this long (0 means no timeout)")
	applyDefaultFlags(cmd)
	return cmd
}
