// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeProfile renders a profile as "Name <email>" or the best part of it
func describeProfile(p *verifier.UserProfile) string {
	switch {
	case p.Name != nil && *p.Name != "" && p.Email != "":
		return fmt.Sprintf("%s <%s>", *p.Name, p.Email)
	case p.Email != "":
		return p.Email
	default:
		return p.UID
	}
}

// decodeJWT prints the claims of a token without checking its signature
func decodeJWT(w io.Writer, token string) error {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("parsing JWT: %w", err)
	}

	fmt.Fprintln(w, "JWT Claims:")
	return writeJSON(w, parsed.Claims)
}
