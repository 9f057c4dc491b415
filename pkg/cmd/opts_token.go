// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/carabiner-dev/command"
	"github.com/spf13/cobra"
)

var _ command.OptionsSet = (*TokenReadOptions)(nil)

var defaultTokenReadOptions = TokenReadOptions{}

// TokenReadOptions are the options to read a token from various sources
type TokenReadOptions struct {
	TokenPath string

	// stdin is swapped in tests
	stdin *os.File
}

func (to *TokenReadOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&to.TokenPath, "token", "", "path to a token file, - reads stdin (default: the stored session)")
}

func (to *TokenReadOptions) Validate() error {
	return nil
}

func (to *TokenReadOptions) Config() *command.OptionsSetConfig {
	return nil
}

// ReadToken reads a token with the following precedence:
// 1. stdin (if "-" is specified or data is piped)
// 2. --token flag (explicit file path)
// 3. the fallback, usually the stored session of the account
func (to *TokenReadOptions) ReadToken(fallback func() (string, error)) (string, error) {
	if to.TokenPath == "-" {
		return readToken(to.input(), "stdin")
	}

	if to.TokenPath != "" {
		return readFromFile(to.TokenPath)
	}

	if hasPipedData(to.input()) {
		return readToken(to.input(), "stdin")
	}

	if fallback == nil {
		return "", fmt.Errorf("no token given (use --token or pipe one on stdin)")
	}
	return fallback()
}

func (to *TokenReadOptions) input() *os.File {
	if to.stdin != nil {
		return to.stdin
	}
	return os.Stdin
}

// hasPipedData checks if f is a pipe or file rather than a terminal
func hasPipedData(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func readToken(r io.Reader, source string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading from %s: %w", source, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("no token data received from %s", source)
	}
	return token, nil
}

func readFromFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reading file %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck
	return readToken(f, path)
}
