// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/base64"
	"regexp"
	"testing"
)

var base64URL = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGenerateToken(t *testing.T) {
	for _, length := range []int{1, 16, 32, 64} {
		tok := GenerateToken(length)
		if got, want := len(tok), base64.RawURLEncoding.EncodedLen(length); got != want {
			t.Errorf("GenerateToken(%d) length = %d, want %d", length, got, want)
		}
		if !base64URL.MatchString(tok) {
			t.Errorf("GenerateToken(%d) = %q, not base64url without padding", length, tok)
		}
	}
}

func TestGenerateTokenDefaultLength(t *testing.T) {
	for _, length := range []int{0, -5} {
		if got := len(GenerateToken(length)); got != 43 {
			t.Errorf("GenerateToken(%d) length = %d, want 43", length, got)
		}
	}
}

func TestGenerateTokenUnique(t *testing.T) {
	seen := map[string]bool{}
	for range 1000 {
		tok := GenerateToken(DefaultTokenLength)
		if seen[tok] {
			t.Fatalf("GenerateToken() repeated value %q", tok)
		}
		seen[tok] = true
	}
}
