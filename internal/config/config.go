// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads keymaster-dsh settings from defaults, the YAML config
// file, KEYMASTER_DSH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	appName    = "keymaster-dsh"
	envPrefix  = "keymaster_dsh"
	configName = "keymaster-dsh"
)

// Directory backends.
const (
	BackendDatabase = "database"
	BackendFile     = "file"
	BackendNATS     = "nats"
)

// Config is the complete keymaster-dsh configuration.
type Config struct {
	Database struct {
		Type string `mapstructure:"type" yaml:"type"`
		Dsn  string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"database" yaml:"database"`

	Directory struct {
		// Backend is one of database, file or nats.
		Backend           string        `mapstructure:"backend" yaml:"backend"`
		File              string        `mapstructure:"file" yaml:"file,omitempty"`
		NatsURL           string        `mapstructure:"nats_url" yaml:"nats_url,omitempty"`
		NatsSubjectPrefix string        `mapstructure:"nats_subject_prefix" yaml:"nats_subject_prefix,omitempty"`
		Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	} `mapstructure:"directory" yaml:"directory"`

	Local struct {
		Node        string `mapstructure:"node" yaml:"node,omitempty"`
		Environment string `mapstructure:"environment" yaml:"environment"`
		MemberUser  string `mapstructure:"member_user" yaml:"member_user,omitempty"`
		AccessName  string `mapstructure:"access_name" yaml:"access_name,omitempty"`
		AdminUser   string `mapstructure:"admin_user" yaml:"admin_user,omitempty"`
		HostKeyFile string `mapstructure:"host_key_file" yaml:"host_key_file,omitempty"`
		// Homes overrides the home directory of individual accounts.
		Homes map[string]string `mapstructure:"homes" yaml:"homes,omitempty"`
	} `mapstructure:"local" yaml:"local"`

	Exec struct {
		Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
		Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
		IdentityFile string        `mapstructure:"identity_file" yaml:"identity_file,omitempty"`
		Port         string        `mapstructure:"port" yaml:"port,omitempty"`
	} `mapstructure:"exec" yaml:"exec"`

	Publish struct {
		Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	} `mapstructure:"publish" yaml:"publish"`

	Language string `mapstructure:"language" yaml:"language"`
}

// Defaults returns the default settings as flat viper keys.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":                 "sqlite",
		"database.dsn":                  "./keymaster-dsh.db",
		"directory.backend":             BackendDatabase,
		"directory.nats_url":            "nats://127.0.0.1:4222",
		"directory.nats_subject_prefix": "dsh",
		"directory.timeout":             "10s",
		"local.environment":             "_default",
		"local.host_key_file":           "",
		"exec.concurrency":              8,
		"exec.timeout":                  "60s",
		"exec.port":                     "22",
		"publish.enabled":               true,
		"language":                      "en",
	}
}

// GetConfigPath returns the user (or system-wide) config file path.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keymaster")
		default:
			configDir = "/etc/" + appName
		}
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(dir, appName)
	}
	return filepath.Join(configDir, configName+".yaml"), nil
}

// LoadConfig merges defaults, the config file, environment and the flags of
// cmd into a T. configFile, when non-nil and non-empty, replaces the search
// of the standard locations. A missing config file is reported as
// viper.ConfigFileNotFoundError so callers can offer to write one.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFile *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if configFile != nil && *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		if p, err := GetConfigPath(false); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
		if p, err := GetConfigPath(true); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
		v.AddConfigPath(".")
	}

	readErr := v.ReadInConfig()
	if readErr != nil {
		if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok {
			return c, readErr
		}
	} else if used := v.ConfigFileUsed(); used != "" {
		// an empty file counts as missing
		if st, err := os.Stat(used); err == nil && st.Size() == 0 {
			readErr = viper.ConfigFileNotFoundError{}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	if readErr != nil {
		return c, readErr
	}
	return c, nil
}

// WriteConfigFile writes c as YAML to the user (or system) config path with
// mode 0600 and returns the path written.
func WriteConfigFile[T any](c *T, system bool) (string, error) {
	path, err := GetConfigPath(system)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
