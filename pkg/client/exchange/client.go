// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package exchange talks to the identity platform: it trades a provider
// identity token for a session and refreshes sessions.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/carabiner-dev/desktopauth/pkg/client/credentials"
)

const maxResponseSize = 1 << 20

// Client performs sign-in exchanges and refreshes
type Client struct {
	ExchangeURL string
	RefreshURL  string
	APIKey      string
	ProviderID  string
	RequestURI  string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// NewClient creates a client for the production endpoints
func NewClient(apiKey string) *Client {
	return &Client{
		ExchangeURL: DefaultExchangeURL,
		RefreshURL:  DefaultRefreshURL,
		APIKey:      apiKey,
		ProviderID:  DefaultProviderID,
		RequestURI:  DefaultRequestURI,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: zap.NewNop(),
	}
}

// Exchange trades a provider identity token for a session token set.
func (c *Client) Exchange(ctx context.Context, providerIDToken string) (*credentials.TokenSet, error) {
	if providerIDToken == "" {
		return nil, fmt.Errorf("%w: provider id token is required", ErrExchange)
	}

	postBody := url.Values{}
	postBody.Set("id_token", providerIDToken)
	postBody.Set("providerId", c.providerID())

	payload, err := json.Marshal(&signInRequest{
		PostBody:            postBody.Encode(),
		RequestURI:          c.requestURI(),
		ReturnSecureToken:   true,
		ReturnIdpCredential: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrExchange, err)
	}

	body, err := c.post(ctx, c.ExchangeURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var resp signInResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %w", ErrExchange, err)
	}
	if resp.IDToken == "" {
		return nil, fmt.Errorf("%w: response has no idToken", ErrExchange)
	}

	c.logger().Debug("exchanged provider token", zap.String("local_id", resp.LocalID))

	tokens := &credentials.TokenSet{
		IDToken:     resp.IDToken,
		AccessToken: resp.OAuthAccessToken,
	}
	if resp.RefreshToken != "" {
		rt := resp.RefreshToken
		tokens.RefreshToken = &rt
	}
	return tokens, nil
}

// Refresh redeems a refresh token. The endpoint's JSON object is returned
// as is; use RefreshedTokens to pull a token set out of it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*structpb.Struct, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrExchange)
	}

	form := url.Values{}
	form.Set("grant_type", GrantTypeRefreshToken)
	form.Set("refresh_token", refreshToken)

	body, err := c.post(ctx, c.RefreshURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	raw := &structpb.Struct{}
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(body, raw); err != nil {
		return nil, fmt.Errorf("%w: parsing refresh response: %w", ErrExchange, err)
	}

	c.logger().Debug("refreshed session", zap.String("user_id", stringField(raw, "user_id")))
	return raw, nil
}

// RefreshedTokens builds a token set from a refresh response. Missing
// access or refresh tokens fall back to the ones in prior.
func RefreshedTokens(raw *structpb.Struct, prior *credentials.TokenSet) (*credentials.TokenSet, error) {
	idToken := stringField(raw, "id_token")
	if idToken == "" {
		return nil, fmt.Errorf("%w: refresh response has no id_token", ErrExchange)
	}

	tokens := &credentials.TokenSet{
		IDToken:     idToken,
		AccessToken: stringField(raw, "access_token"),
	}
	if rt := stringField(raw, "refresh_token"); rt != "" {
		tokens.RefreshToken = &rt
	}

	if prior != nil {
		if tokens.AccessToken == "" {
			tokens.AccessToken = prior.AccessToken
		}
		if tokens.RefreshToken == nil && prior.RefreshToken != nil {
			rt := *prior.RefreshToken
			tokens.RefreshToken = &rt
		}
	}
	return tokens, nil
}

func stringField(raw *structpb.Struct, name string) string {
	if raw == nil {
		return ""
	}
	return raw.GetFields()[name].GetStringValue()
}

// post sends body to endpoint with the API key attached and returns the
// response payload of a 2xx answer.
func (c *Client) post(ctx context.Context, endpoint, contentType string, body io.Reader) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing endpoint: %w", ErrExchange, err)
	}
	if c.APIKey != "" {
		q := u.Query()
		q.Set("key", c.APIKey)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrExchange, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		// Transport errors quote the request URL, key included
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = redact(u)
		}
		return nil, fmt.Errorf("%w: sending request to %s: %w", ErrExchange, redact(u), err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrExchange, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{
			Endpoint:   redact(u),
			StatusCode: resp.StatusCode,
			Body:       string(payload),
		}
		var envelope errorResponse
		if err := json.Unmarshal(payload, &envelope); err == nil {
			httpErr.Message = envelope.Error.Message
		}
		c.logger().Warn("identity platform request failed",
			zap.String("endpoint", httpErr.Endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("message", httpErr.Message),
		)
		return nil, httpErr
	}

	return payload, nil
}

// redact drops the query so the API key never reaches logs or errors.
func redact(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Client) providerID() string {
	if c.ProviderID == "" {
		return DefaultProviderID
	}
	return c.ProviderID
}

func (c *Client) requestURI() string {
	if c.RequestURI == "" {
		return DefaultRequestURI
	}
	return c.RequestURI
}

// IsHTTPStatus reports whether err carries an HTTPError with the given status.
func IsHTTPStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}
