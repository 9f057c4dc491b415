// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/carabiner-dev/command"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carabiner-dev/desktopauth/pkg/client/oauth"
	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

var _ command.OptionsSet = (*LoginOptions)(nil)

type LoginOptions struct {
	ConfigOptions
	Force      bool
	JSON       bool
	PrintToken bool
}

var defaultLoginOptions = LoginOptions{
	ConfigOptions: defaultConfigOptions,
}

// Validate the options set
func (lo *LoginOptions) Validate() error {
	var errs = []error{
		lo.ConfigOptions.Validate(),
	}
	if lo.JSON && lo.PrintToken {
		errs = append(errs, errors.New("--json and --print are mutually exclusive"))
	}
	return errors.Join(errs...)
}

func (lo *LoginOptions) AddFlags(cmd *cobra.Command) {
	lo.ConfigOptions.AddFlags(cmd)
	cmd.PersistentFlags().BoolVar(&lo.Force, "force", false, "force a new sign-in (ignore the stored session)")
	cmd.PersistentFlags().BoolVar(&lo.JSON, "json", false, "print the signed-in profile as JSON")
	cmd.PersistentFlags().BoolVar(&lo.PrintToken, "print", false, "print the session ID token to stdout")
}

func (lo *LoginOptions) Config() *command.OptionsSetConfig {
	return nil
}

func AddLogin(parent *cobra.Command) {
	opts := defaultLoginOptions

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the browser",
		Long: `Signs in to the identity platform through the system browser.

This command will:
1. Restore the stored session of the default account (unless --force is used),
   refreshing it when the ID token has expired
2. Otherwise open a browser on the provider's consent page
3. Receive the provider tokens on a loopback callback listener
4. Exchange them for a session, verify it and store it in the keychain

Examples:
  # Sign in with Google (default)
  desktopauth login

  # Sign in with Microsoft on an ephemeral port
  desktopauth login --provider microsoft --port 0

  # Force a new sign-in and print the ID token
  desktopauth login --force --print`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := loadRuntime(&opts.ConfigOptions)
			if err != nil {
				return err
			}
			defer rt.logger.Sync() //nolint:errcheck

			accounts, err := loadAccounts(rt.cfg.ConfigDir)
			if err != nil {
				return err
			}

			if !opts.Force && accounts.Default != "" {
				profile, err := rt.manager.Restore(ctx, accounts.Default)
				if err == nil {
					fmt.Fprintf(os.Stderr, "Using stored session for %s\n", describeProfile(profile))
					return opts.report(rt, profile)
				}
				rt.logger.Info("stored session not usable, signing in again", zap.Error(err))
			}

			notifier := oauth.NewChanNotifier(1)
			notifier.Logger = rt.logger.Named("notify")
			flow := rt.newFlow(notifier)
			defer flow.Close()

			authURL, err := flow.Begin(ctx)
			if err != nil {
				return fmt.Errorf("starting sign-in: %w", err)
			}

			fmt.Fprintf(os.Stderr, "Opening browser for authentication...\n")
			fmt.Fprintf(os.Stderr, "If the browser doesn't open, visit: %s\n", authURL)
			fmt.Fprintf(os.Stderr, "Waiting for authentication...\n")

			var event oauth.Event
			select {
			case event = <-notifier.C:
			case <-ctx.Done():
				return ctx.Err()
			}

			if event.Name != oauth.EventAuthSuccess || event.Profile == nil {
				return fmt.Errorf("authentication failed: %s", event.Message)
			}

			accounts.remember(*event.Profile, time.Now())
			if err := accounts.save(); err != nil {
				// The session is stored, only the index is stale
				rt.logger.Warn("failed to update accounts index", zap.Error(err))
			}

			fmt.Fprintf(os.Stderr, "Authentication successful! Signed in as %s\n", describeProfile(event.Profile))
			return opts.report(rt, event.Profile)
		},
	}
	opts.AddFlags(cmd)
	parent.AddCommand(cmd)
}

// report writes the outcome requested by the output flags to stdout
func (lo *LoginOptions) report(rt *clientRuntime, profile *verifier.UserProfile) error {
	switch {
	case lo.JSON:
		return writeJSON(os.Stdout, profile)
	case lo.PrintToken:
		tokens, err := rt.store.Load(profile.UID)
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}
		fmt.Println(tokens.IDToken)
	}
	return nil
}
