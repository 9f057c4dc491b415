// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/carabiner-dev/command"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

var _ command.OptionsSet = (*VerifyOptions)(nil)

type VerifyOptions struct {
	TokenReadOptions
	AccountOptions
	Issuer string
	Leeway time.Duration
	JSON   bool
}

var defaultVerifyOptions = VerifyOptions{
	TokenReadOptions: defaultTokenReadOptions,
	AccountOptions:   defaultAccountOptions,
}

func (vo *VerifyOptions) Validate() error {
	var errs = []error{
		vo.TokenReadOptions.Validate(),
		vo.AccountOptions.Validate(),
	}
	if vo.Leeway < 0 {
		errs = append(errs, errors.New("--leeway must not be negative"))
	}
	return errors.Join(errs...)
}

func (vo *VerifyOptions) AddFlags(cmd *cobra.Command) {
	vo.TokenReadOptions.AddFlags(cmd)
	vo.AccountOptions.AddFlags(cmd)
	cmd.PersistentFlags().StringVar(&vo.Issuer, "issuer", "", "expected issuer (default: derived from the project ID)")
	cmd.PersistentFlags().DurationVar(&vo.Leeway, "leeway", 0, "clock skew tolerated on time claims")
	cmd.PersistentFlags().BoolVar(&vo.JSON, "json", false, "print the verified claims as JSON")
}

func (vo *VerifyOptions) Config() *command.OptionsSetConfig {
	return nil
}

func AddVerify(parent *cobra.Command) {
	opts := defaultVerifyOptions

	cmd := &cobra.Command{
		Use:   "verify [token-file]",
		Short: "Verify a session ID token",
		Long: `Verifies a session ID token against the identity platform signing keys.

The token must be signed with RS256 by a current platform key, name the
project as audience and issuer, and be within its validity window.

The token is read from a file path, from stdin ("-" or piped) or, when
neither is given, from the stored session of the account.`,
		Example: `  # Verify the stored session
  desktopauth verify

  # Verify a token from a file
  desktopauth verify token.jwt

  # Verify a token with some clock skew allowed
  echo "$TOKEN" | desktopauth verify - --leeway 30s`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.TokenPath == "" && len(args) > 0 {
				opts.TokenPath = args[0]
			}
			return opts.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// Verification only needs the project, not the sign-in settings
			cfg, err := opts.ConfigOptions.load()
			if err != nil {
				return err
			}
			if cfg.ProjectID == "" {
				return errors.New("project ID is required (set project_id, --project-id or DESKTOPAUTH_PROJECT_ID)")
			}
			logger, err := opts.ConfigOptions.Logger()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			rt, err := newClientRuntime(cfg, logger)
			if err != nil {
				return err
			}

			token, err := opts.ReadToken(func() (string, error) {
				accounts, err := loadAccounts(cfg.ConfigDir)
				if err != nil {
					return "", err
				}
				uid, err := accounts.resolve(opts.User)
				if err != nil {
					return "", err
				}
				tokens, err := rt.store.Load(uid)
				if err != nil {
					return "", fmt.Errorf("loading session of %s: %w", uid, err)
				}
				return tokens.IDToken, nil
			})
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}

			issuer := opts.Issuer
			if issuer == "" {
				issuer = cfg.GetIssuer()
			}
			v := verifier.New(rt.keys, cfg.ProjectID,
				verifier.WithIssuer(issuer),
				verifier.WithLeeway(opts.Leeway),
				verifier.WithLogger(logger.Named("verifier")),
			)

			claims, err := v.Verify(ctx, token)
			if err != nil {
				fmt.Fprintf(os.Stderr, "❌ Token verification FAILED: %v\n", err)
				return err
			}

			if opts.JSON {
				return writeJSON(os.Stdout, claims)
			}
			printVerified(os.Stdout, token, claims, time.Now())
			return nil
		},
	}
	opts.AddFlags(cmd)
	parent.AddCommand(cmd)
}

func printVerified(w io.Writer, token string, claims *verifier.Claims, now time.Time) {
	if parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{}); err == nil {
		fmt.Fprintf(w, "Algorithm:  %v\n", parsed.Header["alg"])
		fmt.Fprintf(w, "Key ID:     %v\n\n", parsed.Header["kid"])
	}

	fmt.Fprintf(w, "  Issuer (iss):     %s\n", claims.Issuer)
	fmt.Fprintf(w, "  Subject (sub):    %s\n", claims.Subject)
	fmt.Fprintf(w, "  Audience (aud):   %v\n", []string(claims.Audience))
	if claims.IssuedAt != nil {
		fmt.Fprintf(w, "  Issued At (iat):  %s (%v ago)\n", claims.IssuedAt.Format(time.RFC3339), now.Sub(claims.IssuedAt.Time).Round(time.Second))
	}
	if claims.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires (exp):    %s (in %v)\n", claims.ExpiresAt.Format(time.RFC3339), claims.ExpiresAt.Sub(now).Round(time.Second))
	}
	if claims.Email != "" {
		fmt.Fprintf(w, "  Email:            %s\n", claims.Email)
	}
	if p := claims.Provider(); p != "" {
		fmt.Fprintf(w, "  Provider:         %s\n", p)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "✅ Token verification completed successfully")
}
