// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package verifier

import "github.com/golang-jwt/jwt/v5"

// Claims is the verified payload of a Firebase session token.
type Claims struct {
	jwt.RegisteredClaims

	UserID        string          `json:"user_id"`
	AuthTime      int64           `json:"auth_time,omitempty"`
	Email         string          `json:"email,omitempty"`
	EmailVerified *bool           `json:"email_verified,omitempty"`
	Name          string          `json:"name,omitempty"`
	Picture       string          `json:"picture,omitempty"`
	Firebase      *FirebaseClaims `json:"firebase,omitempty"`
}

// FirebaseClaims carries the provider linkage of the signed-in user.
type FirebaseClaims struct {
	Identities     map[string][]string `json:"identities,omitempty"`
	SignInProvider string              `json:"sign_in_provider,omitempty"`
}

// UserProfile is the user facing identity derived from verified claims.
type UserProfile struct {
	UID     string  `json:"uid"`
	Email   string  `json:"email"`
	Name    *string `json:"name"`
	Picture *string `json:"picture"`
}

// Profile projects the claims into a UserProfile.
func (c *Claims) Profile() UserProfile {
	p := UserProfile{
		UID:   c.UserID,
		Email: c.Email,
	}
	if p.UID == "" {
		p.UID = c.Subject
	}
	if c.Name != "" {
		name := c.Name
		p.Name = &name
	}
	if c.Picture != "" {
		picture := c.Picture
		p.Picture = &picture
	}
	return p
}

// Provider returns the sign-in provider recorded in the token, if any.
func (c *Claims) Provider() string {
	if c.Firebase == nil {
		return ""
	}
	return c.Firebase.SignInProvider
}
