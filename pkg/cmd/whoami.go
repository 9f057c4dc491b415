// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/carabiner-dev/command"
	"github.com/spf13/cobra"

	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

var _ command.OptionsSet = (*WhoamiOptions)(nil)

type WhoamiOptions struct {
	AccountOptions
	JSON bool
}

var defaultWhoamiOptions = WhoamiOptions{
	AccountOptions: defaultAccountOptions,
}

func (wo *WhoamiOptions) Validate() error {
	return wo.AccountOptions.Validate()
}

func (wo *WhoamiOptions) AddFlags(cmd *cobra.Command) {
	wo.AccountOptions.AddFlags(cmd)
	cmd.PersistentFlags().BoolVar(&wo.JSON, "json", false, "output in JSON format")
}

func (wo *WhoamiOptions) Config() *command.OptionsSetConfig {
	return nil
}

// Identity is the whoami report of a restored session
type Identity struct {
	Profile   *verifier.UserProfile `json:"profile"`
	Provider  string                `json:"provider,omitempty"`
	Issuer    string                `json:"issuer"`
	Audience  []string              `json:"audience"`
	ExpiresAt time.Time             `json:"expires_at"`
}

func AddWhoami(parent *cobra.Command) {
	opts := defaultWhoamiOptions

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in identity",
		Long: `Restores the stored session of an account and displays its identity.

The stored ID token is verified against the identity platform keys and is
refreshed first when it has expired.

Examples:
  # Show the default account
  desktopauth whoami

  # Output as JSON
  desktopauth whoami --json`,
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

			claims, err := rt.verifier.Verify(ctx, token)
			if err != nil {
				return fmt.Errorf("verifying session: %w", err)
			}

			id := newIdentity(claims)
			if opts.JSON {
				return writeJSON(os.Stdout, id)
			}
			printIdentity(os.Stdout, id, time.Now())
			return nil
		},
	}
	opts.AddFlags(cmd)
	parent.AddCommand(cmd)
}

func newIdentity(claims *verifier.Claims) *Identity {
	profile := claims.Profile()
	id := &Identity{
		Profile:  &profile,
		Provider: claims.Provider(),
		Issuer:   claims.Issuer,
		Audience: claims.Audience,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id
}

func printIdentity(w io.Writer, id *Identity, now time.Time) {
	fmt.Fprintf(w, "UID:        %s\n", id.Profile.UID)
	if id.Profile.Email != "" {
		fmt.Fprintf(w, "Email:      %s\n", id.Profile.Email)
	}
	if id.Profile.Name != nil {
		fmt.Fprintf(w, "Name:       %s\n", *id.Profile.Name)
	}
	if id.Provider != "" {
		fmt.Fprintf(w, "Provider:   %s\n", id.Provider)
	}
	fmt.Fprintf(w, "Issuer:     %s\n", id.Issuer)
	if len(id.Audience) > 0 {
		fmt.Fprintf(w, "Audience:   %s\n", strings.Join(id.Audience, ", "))
	}
	if !id.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "Expires:    %s (in %s)\n", id.ExpiresAt.Format(time.RFC3339), id.ExpiresAt.Sub(now).Round(time.Second))
	}
}
