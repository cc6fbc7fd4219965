// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/toeirei/keymaster-dsh/buildvars"
	"github.com/toeirei/keymaster-dsh/internal/config"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
	"github.com/toeirei/keymaster-dsh/internal/logging"
)

var version = "dev"   // this will be set by the linker
var gitCommit = "dev" // set at build time with the short commit SHA
var buildDate = ""    // set at build time (RFC3339)

var appConfig config.Config

// errSilent is returned by commands that already reported their failure.
var errSilent = errors.New("")

func setupDefaultServices(cmd *cobra.Command, args []string) error {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logging.SetDebug(true)
	}

	configPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	defaults := config.Defaults()
	appConfig, err = config.LoadConfig[config.Config](cmd, defaults, configPath)
	// A missing config file is expected on first run.
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		if configPath == nil {
			if path, writeErr := config.WriteConfigFile(&appConfig, false); writeErr != nil {
				log.Warnf("could not write default config file: %v", writeErr)
			} else {
				log.Infof("wrote default config to %s", path)
			}
		}
	} else if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	// Empty values in the file fall back to defaults.
	if appConfig.Database.Type == "" {
		appConfig.Database.Type = defaults["database.type"].(string)
	}
	if appConfig.Database.Dsn == "" {
		appConfig.Database.Dsn = defaults["database.dsn"].(string)
	}
	if appConfig.Directory.Backend == "" {
		appConfig.Directory.Backend = config.BackendDatabase
	}
	if appConfig.Local.Environment == "" {
		appConfig.Local.Environment = defaults["local.environment"].(string)
	}
	if appConfig.Language == "" {
		appConfig.Language = defaults["language"].(string)
	}

	i18n.Init(appConfig.Language)
	return nil
}

// Execute runs the CLI. The process exits non-zero when it returns an error.
func Execute() error {
	rootCmd := NewRootCmd()
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, errSilent) {
		log.Error(err)
	}
	return err
}

func applyDefaultFlags(cmd *cobra.Command) {
	if cmd.Flags().Lookup("database.type") == nil {
		cmd.Flags().String("database.type", "sqlite", "Database type (sqlite, postgres, mysql)")
	}
	if cmd.Flags().Lookup("database.dsn") == nil {
		cmd.Flags().String("database.dsn", "./keymaster-dsh.db", "Database connection string (DSN)")
	}
}

func applyDirectoryFlags(cmd *cobra.Command) {
	applyDefaultFlags(cmd)
	cmd.Flags().String("directory.backend", config.BackendDatabase, "Directory backend (database, file, nats)")
	cmd.Flags().String("directory.file", "", "Inventory YAML file for the file backend")
	cmd.Flags().String("directory.nats_url", "nats://127.0.0.1:4222", "NATS server URL for the nats backend")
	cmd.Flags().String("local.environment", "_default", "Environment scope of this node")
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// NewRootCmd creates a fresh command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keymaster-dsh",
		Short: i18n.T("root.short"),
		Long: `keymaster-dsh maintains dsh groups across a fleet of nodes.

Every node asks the directory which admins and members share its groups,
merges the admins' public keys into its member account, writes known_hosts
and a dsh group file for its admin account, and publishes what it did back
into the directory. Admin nodes can then run commands across a group.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupDefaultServices,
	}
	cmd.Version = compositeVersion()

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `Output language ("en", "de")`)

	cmd.AddCommand(
		newJoinCmd(),
		newExecCmd(),
		newShowCmd(),
		newDirectoryCmd(),
		newSnapshotCmd(),
		newHistoryCmd(),
		newDBMaintainCmd(),
		newVersionCmd(),
	)
	return cmd
}

func compositeVersion() string {
	v, c, d := resolveBuildVersion(nil)
	out := v
	if c != "" && c != "dev" {
		out += " (" + c + ")"
	}
	if d != "" {
		out += " built: " + d
	}
	return out
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: i18n.T("version.short"),
		Args:  cobra.NoArgs,
		// no config needed to print the version
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %s\n", v)
			fmt.Fprintf(out, "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. If info is nil, it reads build info from the
// runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault(version)
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}
	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		if resolvedVersion == "dev" || resolvedVersion == "(devel)" {
			for _, dep := range info.Deps {
				if dep.Path == "github.com/toeirei/keymaster-dsh" && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}
	return resolvedVersion, strings.TrimSpace(resolvedCommit), resolvedDate
}
