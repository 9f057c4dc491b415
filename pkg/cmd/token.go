// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/carabiner-dev/command"
	"github.com/spf13/cobra"
)

var _ command.OptionsSet = (*TokenOptions)(nil)

type TokenOptions struct {
	AccountOptions
	Decode bool
	Access bool
}

var defaultTokenOptions = TokenOptions{
	AccountOptions: defaultAccountOptions,
}

func (to *TokenOptions) Validate() error {
	return to.AccountOptions.Validate()
}

func (to *TokenOptions) AddFlags(cmd *cobra.Command) {
	to.AccountOptions.AddFlags(cmd)
	cmd.PersistentFlags().BoolVar(&to.Decode, "decode", false, "decode and display the JWT claims on stderr")
	cmd.PersistentFlags().BoolVar(&to.Access, "access", false, "print the provider access token instead of the ID token")
}

func (to *TokenOptions) Config() *command.OptionsSetConfig {
	return nil
}

func AddToken(parent *cobra.Command) {
	opts := defaultTokenOptions

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid session token",
		Long: `Prints the ID token of the stored session to stdout, refreshing it first
when it has expired.

Use --decode to show the JWT claims in human-readable format.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, _, uid, err := opts.resolveAccount()
			if err != nil {
				return err
			}
			defer rt.logger.Sync() //nolint:errcheck

			token, err := rt.manager.Token(ctx, uid)
			if err != nil {
				return fmt.Errorf("no session for %s (run 'desktopauth login' first): %w", uid, err)
			}

			if opts.Decode {
				if err := decodeJWT(os.Stderr, token); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to decode JWT: %v\n", err)
				}
				fmt.Fprintln(os.Stderr)
			}

			if opts.Access {
				tokens, err := rt.store.Load(uid)
				if err != nil {
					return fmt.Errorf("loading session: %w", err)
				}
				token = tokens.AccessToken
			}

			fmt.Println(token)
			return nil
		},
	}
	opts.AddFlags(cmd)
	parent.AddCommand(cmd)
}
