// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultExchangeURL is the identity toolkit sign-in endpoint.
	DefaultExchangeURL = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithIdp"
	// DefaultRefreshURL is the secure token endpoint.
	DefaultRefreshURL = "https://securetoken.googleapis.com/v1/token"
	// DefaultProviderID names the upstream identity provider.
	DefaultProviderID = "google.com"
	// DefaultRequestURI is reported as the continue URI of the sign-in.
	DefaultRequestURI = "http://localhost"

	GrantTypeRefreshToken = "refresh_token"
)

// ErrExchange is wrapped by every error returned from the client.
var ErrExchange = errors.New("token exchange failed")

// signInRequest is the body posted to accounts:signInWithIdp.
type signInRequest struct {
	PostBody            string `json:"postBody"`
	RequestURI          string `json:"requestUri"`
	ReturnSecureToken   bool   `json:"returnSecureToken"`
	ReturnIdpCredential bool   `json:"returnIdpCredential"`
}

// signInResponse holds the fields of interest from accounts:signInWithIdp.
type signInResponse struct {
	IDToken          string `json:"idToken"`
	RefreshToken     string `json:"refreshToken"`
	OAuthAccessToken string `json:"oauthAccessToken"`
	LocalID          string `json:"localId"`
	ExpiresIn        string `json:"expiresIn"`
}

// errorResponse is the Google API error envelope.
type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// HTTPError is returned when an endpoint answers with a non-2xx status.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.StatusCode, msg)
}

func (e *HTTPError) Unwrap() error { return ErrExchange }
