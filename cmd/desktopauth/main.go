// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/carabiner-dev/desktopauth/pkg/cmd"
)

var version = "dev" // Set via ldflags during build

func main() {
	rootCmd := &cobra.Command{
		Use:   "desktopauth",
		Short: "Desktop sign-in client for the identity platform",
		Long: `desktopauth signs a desktop user in through the system browser and keeps
the resulting session in the OS keychain.

Sign-in uses the provider's implicit flow with a loopback callback listener.
The provider tokens are exchanged for an identity platform session whose ID
token is verified locally and refreshed when it expires.`,
		SilenceUsage: true,
	}

	cmd.AddLogin(rootCmd)
	cmd.AddLogout(rootCmd)
	cmd.AddWhoami(rootCmd)
	cmd.AddToken(rootCmd)
	cmd.AddRefresh(rootCmd)
	cmd.AddVerify(rootCmd)
	addVersion(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func addVersion(parent *cobra.Command) {
	parent.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("desktopauth version %s\n", version)
		},
	})
}
