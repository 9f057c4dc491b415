// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/carabiner-dev/command"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carabiner-dev/desktopauth/pkg/client/config"
)

var _ command.OptionsSet = (*ConfigOptions)(nil)

var defaultConfigOptions = ConfigOptions{
	Port:     -1,
	LogLevel: "warn",
}

// ConfigOptions selects the configuration file and the overrides applied
// on top of it.
type ConfigOptions struct {
	ConfigPath string
	ProjectID  string
	ClientID   string
	APIKey     string
	Provider   string
	Backend    string
	Port       int
	LogLevel   string
}

func (co *ConfigOptions) Config() *command.OptionsSetConfig {
	return nil
}

func (co *ConfigOptions) Validate() error {
	var errs []error
	if _, err := zap.ParseAtomicLevel(co.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	if co.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", co.Port))
	}
	return errors.Join(errs...)
}

func (co *ConfigOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&co.ConfigPath, "config", "", "path to the configuration file (default: "+config.DefaultPath()+")")
	cmd.PersistentFlags().StringVar(&co.ProjectID, "project-id", "", "identity platform project ID")
	cmd.PersistentFlags().StringVar(&co.ClientID, "client-id", "", "OAuth web client ID")
	cmd.PersistentFlags().StringVar(&co.APIKey, "api-key", "", "identity platform API key")
	cmd.PersistentFlags().StringVar(&co.Provider, "provider", "", "identity provider (google, microsoft)")
	cmd.PersistentFlags().StringVar(&co.Backend, "backend", "", "credential backend (keyring, file, memory)")
	cmd.PersistentFlags().IntVar(&co.Port, "port", defaultConfigOptions.Port, "callback port, 0 picks a free one (default: from config)")
	cmd.PersistentFlags().StringVar(&co.LogLevel, "log-level", defaultConfigOptions.LogLevel, "log level (debug, info, warn, error)")
}

// Load reads the configuration, applies the flag overrides and checks
// everything a sign-in needs is set.
func (co *ConfigOptions) Load() (*config.Config, error) {
	cfg, err := co.load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (co *ConfigOptions) load() (*config.Config, error) {
	cfg, err := config.LoadWithDefaults(co.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cfg.ApplyFlags(map[string]any{
		"project-id": co.ProjectID,
		"client-id":  co.ClientID,
		"api-key":    co.APIKey,
		"provider":   co.Provider,
		"port":       co.Port,
		"backend":    co.Backend,
	})
	return cfg, nil
}

// Logger builds the diagnostic logger. It writes to stderr so stdout stays
// reserved for command output.
func (co *ConfigOptions) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(co.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewDevelopmentConfig()
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	return zc.Build()
}
