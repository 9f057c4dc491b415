// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/carabiner-dev/command"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/carabiner-dev/desktopauth/pkg/client/exchange"
)

var _ command.OptionsSet = (*RefreshOptions)(nil)

// RefreshOptions are the options to redeem a refresh token
type RefreshOptions struct {
	TokenReadOptions
	AccountOptions
	Save bool
}

var defaultRefreshOptions = RefreshOptions{
	TokenReadOptions: defaultTokenReadOptions,
	AccountOptions:   defaultAccountOptions,
}

func (ro *RefreshOptions) Validate() error {
	errs := []error{
		ro.TokenReadOptions.Validate(),
		ro.AccountOptions.Validate(),
	}
	if ro.Save && ro.TokenPath != "" {
		errs = append(errs, errors.New("--save only applies to the stored session"))
	}
	return errors.Join(errs...)
}

func (ro *RefreshOptions) AddFlags(cmd *cobra.Command) {
	ro.TokenReadOptions.AddFlags(cmd)
	ro.AccountOptions.AddFlags(cmd)
	cmd.PersistentFlags().BoolVar(&ro.Save, "save", false, "store the refreshed tokens in the account's session")
}

func (ro *RefreshOptions) Config() *command.OptionsSetConfig {
	return nil
}

func AddRefresh(parent *cobra.Command) {
	opts := defaultRefreshOptions

	cmd := &cobra.Command{
		Use:   "refresh [token-file]",
		Short: "Redeem a refresh token at the secure token endpoint",
		Long: `Redeems a refresh token and prints the raw token endpoint response as JSON.

The refresh token is read from a file path, from stdin ("-" or piped) or,
when neither is given, from the stored session of the account.

Examples:
  # Refresh the stored session and keep the new tokens
  desktopauth refresh --save

  # Redeem a refresh token from stdin
  echo "$REFRESH_TOKEN" | desktopauth refresh -`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.TokenPath == "" && len(args) > 0 && args[0] != "" {
				opts.TokenPath = args[0]
			}
			return opts.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := loadRuntime(&opts.ConfigOptions)
			if err != nil {
				return err
			}
			defer rt.logger.Sync() //nolint:errcheck

			var uid string
			refreshToken, err := opts.ReadToken(func() (string, error) {
				accounts, err := loadAccounts(rt.cfg.ConfigDir)
				if err != nil {
					return "", err
				}
				if uid, err = accounts.resolve(opts.User); err != nil {
					return "", err
				}
				tokens, err := rt.store.Load(uid)
				if err != nil {
					return "", fmt.Errorf("loading session of %s: %w", uid, err)
				}
				if tokens.RefreshToken == nil || *tokens.RefreshToken == "" {
					return "", fmt.Errorf("session of %s has no refresh token", uid)
				}
				return *tokens.RefreshToken, nil
			})
			if err != nil {
				return fmt.Errorf("reading refresh token: %w", err)
			}
			if opts.Save && uid == "" {
				return errors.New("--save only applies to the stored session")
			}

			fmt.Fprintf(os.Stderr, "Refreshing token with %s...\n", rt.cfg.RefreshURL)
			raw, err := rt.manager.RefreshToken(ctx, refreshToken)
			if err != nil {
				return fmt.Errorf("token refresh failed: %w", err)
			}

			if opts.Save {
				prior, err := rt.store.Load(uid)
				if err != nil {
					return fmt.Errorf("loading session: %w", err)
				}
				tokens, err := exchange.RefreshedTokens(raw, prior)
				if err != nil {
					return err
				}
				claims, err := rt.verifier.Verify(ctx, tokens.IDToken)
				if err != nil {
					return fmt.Errorf("verifying refreshed token: %w", err)
				}
				if got := claims.Profile().UID; got != uid {
					return fmt.Errorf("refreshed token belongs to %s, not %s", got, uid)
				}
				if err := rt.store.Save(uid, tokens); err != nil {
					return fmt.Errorf("saving session: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Session of %s updated\n", uid)
			}

			out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(raw)
			if err != nil {
				return fmt.Errorf("encoding response: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
	opts.AddFlags(cmd)
	parent.AddCommand(cmd)
}
