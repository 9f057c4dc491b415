// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/carabiner-dev/command"
	"github.com/spf13/cobra"
)

var _ command.OptionsSet = (*AccountOptions)(nil)

var defaultAccountOptions = AccountOptions{
	ConfigOptions: defaultConfigOptions,
}

// AccountOptions select the signed-in account a command acts on
type AccountOptions struct {
	ConfigOptions
	User string
}

func (ao *AccountOptions) Validate() error {
	return ao.ConfigOptions.Validate()
}

func (ao *AccountOptions) AddFlags(cmd *cobra.Command) {
	ao.ConfigOptions.AddFlags(cmd)
	cmd.PersistentFlags().StringVar(&ao.User, "user", "", "account uid or email (default: the last signed-in account)")
}

func (ao *AccountOptions) Config() *command.OptionsSetConfig {
	return nil
}

// resolveAccount loads the runtime and the accounts index and returns the
// uid the command applies to.
func (ao *AccountOptions) resolveAccount() (*clientRuntime, *Accounts, string, error) {
	rt, err := loadRuntime(&ao.ConfigOptions)
	if err != nil {
		return nil, nil, "", err
	}
	accounts, err := loadAccounts(rt.cfg.ConfigDir)
	if err != nil {
		return nil, nil, "", err
	}
	uid, err := accounts.resolve(ao.User)
	if err != nil {
		return nil, nil, "", err
	}
	return rt, accounts, uid, nil
}
