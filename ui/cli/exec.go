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
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/toeirei/keymaster-dsh/core/executor"
	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/core/resolver"
	"github.com/toeirei/keymaster-dsh/internal/db"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
)

// remoteFactory builds the executor's transport; replaced in tests.
var remoteFactory = func(svc *services, files resolver.FileAccess) (executor.RemoteExecutor, executor.HostVerifier, func(), error) {
	r, err := newRunner(svc.cfg, files)
	if err != nil {
		return nil, nil, nil, err
	}
	return r, r, r.Close, nil
}

func newExecCmd() *cobra.Command {
	var (
		fresh       bool
		showOutput  bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "exec <group> -- <command...>",
		Short: i18n.T("exec.short"),
		Long: `Runs a command as the member account on every member of a group, as the
local admin account. Members are taken from the group file and known_hosts
written by the last join, or resolved from the directory with --resolve.

Each host's key is checked against known_hosts before anything runs. The
command exits 0 only if it succeeded on every host. Interrupting the run
skips hosts not yet started and waits for the running ones.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := args[0]
			command := strings.Join(args[1:], " ")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := newServices(appConfig)
			defer svc.Close()
			files := localFiles(appConfig)

			rg, err := membersFor(ctx, svc, files, group, fresh)
			if err != nil {
				return err
			}

			remote, verifier, closeRemote, err := remoteFactory(svc, files)
			if err != nil {
				return err
			}
			defer closeRemote()

			out := cmd.OutOrStdout()
			s := newStyles(out)
			ex := &executor.Executor{Remote: remote, Verifier: verifier, AdminUser: appConfig.Local.AdminUser}
			ex.OnResult = func(r model.ExecutionResult) {
				renderResult(out, s, r)
				if showOutput {
					renderOutput(out, s, r)
				}
			}

			if concurrency <= 0 {
				concurrency = appConfig.Exec.Concurrency
			}
			report := ex.Run(ctx, rg, command, concurrency, appConfig.Exec.Timeout)
			renderReport(out, report, false)

			svc.recordRun(context.WithoutCancel(ctx), db.RunEntry{
				Kind:   db.RunExec,
				Group:  group,
				Node:   appConfig.Local.Node,
				Detail: fmt.Sprintf("%s: %d/%d succeeded", command, report.Succeeded, len(report.Results)),
				OK:     report.OK(),
			})
			if !report.OK() {
				return errSilent
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fresh, "resolve", false, "Resolve the group from the directory instead of reading the persisted group file")
	cmd.Flags().BoolVar(&showOutput, "output", true, "Print each host's output")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "Hosts to run at once (default exec.concurrency)")
	cmd.Flags().Duration("exec.timeout", 0, "Per-host timeout (default from config)")
	applyDirectoryFlags(cmd)
	return cmd
}

// membersFor returns the group to run on, either as persisted by the last
// join or freshly planned from the directory.
func membersFor(ctx context.Context, svc *services, files resolver.FileAccess, group string, fresh bool) (model.ResolvedGroup, error) {
	if !fresh {
		rg, err := resolver.Load(files, group, svc.cfg.Local.AdminUser)
		var ce *resolver.ConfigurationError
		if errors.As(err, &ce) && svc.cfg.Local.AdminUser != "" {
			return rg, fmt.Errorf("%w (%s)", err, i18n.T("exec.hint_resolve"))
		}
		return rg, err
	}
	local, err := localFor(svc.cfg)
	if err != nil {
		return model.ResolvedGroup{}, err
	}
	dir, _, err := svc.Directory()
	if err != nil {
		return model.ResolvedGroup{}, err
	}
	return resolver.New(dir, files, nil).Plan(ctx, group, local)
}
