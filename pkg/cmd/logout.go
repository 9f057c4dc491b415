// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/carabiner-dev/command"
	"github.com/spf13/cobra"
)

var _ command.OptionsSet = (*LogoutOptions)(nil)

type LogoutOptions struct {
	AccountOptions
	All bool
}

var defaultLogoutOptions = LogoutOptions{
	AccountOptions: defaultAccountOptions,
}

func (lo *LogoutOptions) Validate() error {
	var errs = []error{
		lo.AccountOptions.Validate(),
	}
	if lo.All && lo.User != "" {
		errs = append(errs, errors.New("--all and --user are mutually exclusive"))
	}
	return errors.Join(errs...)
}

func (lo *LogoutOptions) AddFlags(cmd *cobra.Command) {
	lo.AccountOptions.AddFlags(cmd)
	cmd.PersistentFlags().BoolVar(&lo.All, "all", false, "sign out every account")
}

func (lo *LogoutOptions) Config() *command.OptionsSetConfig {
	return nil
}

func AddLogout(parent *cobra.Command) {
	opts := defaultLogoutOptions

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and delete the stored session",
		Long: `Removes the stored tokens of an account from the credential store.

Examples:
  # Sign out the default account
  desktopauth logout

  # Sign out a specific account
  desktopauth logout --user alice@example.com

  # Sign out every account
  desktopauth logout --all`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var uids []string
			rt, accounts, uid, err := opts.resolveAccount()
			switch {
			case opts.All && errors.Is(err, errNoAccount):
				fmt.Fprintln(os.Stderr, "No accounts signed in")
				return nil
			case err != nil:
				return err
			case opts.All:
				uids = accounts.uids()
			default:
				uids = []string{uid}
			}
			defer rt.logger.Sync() //nolint:errcheck

			var errs []error
			for _, uid := range uids {
				if err := rt.manager.Logout(uid); err != nil {
					errs = append(errs, fmt.Errorf("signing out %s: %w", uid, err))
					continue
				}
				accounts.forget(uid)
				fmt.Fprintf(os.Stderr, "✓ Signed out %s\n", uid)
			}

			if err := accounts.save(); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
	opts.AddFlags(cmd)
	parent.AddCommand(cmd)
}
