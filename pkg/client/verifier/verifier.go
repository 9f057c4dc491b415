// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package verifier checks session tokens issued by the identity platform
// against its published signing keys.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/carabiner-dev/desktopauth/pkg/client/keys"
)

// DefaultIssuerPrefix is joined with the project id to form the expected issuer.
const DefaultIssuerPrefix = "https://securetoken.google.com/"

var (
	ErrVerification      = errors.New("token verification failed")
	ErrMalformedToken    = fmt.Errorf("%w: malformed token", ErrVerification)
	ErrUnknownSigningKey = fmt.Errorf("%w: unknown signing key", ErrVerification)
	ErrSignatureInvalid  = fmt.Errorf("%w: invalid signature", ErrVerification)
	ErrExpired           = fmt.Errorf("%w: token expired", ErrVerification)
	ErrNotYetValid       = fmt.Errorf("%w: token not yet valid", ErrVerification)
	ErrAudienceMismatch  = fmt.Errorf("%w: audience mismatch", ErrVerification)
	ErrIssuerMismatch    = fmt.Errorf("%w: issuer mismatch", ErrVerification)
	ErrKeyFetch          = fmt.Errorf("%w: signing keys unavailable", ErrVerification)
)

// KeySource resolves a key id to a PEM encoded public key or certificate.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (string, error)
}

// Verifier validates RS256 session tokens for one project.
type Verifier struct {
	keys      KeySource
	projectID string
	issuer    string
	leeway    time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer overrides the expected issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		if issuer != "" {
			v.issuer = issuer
		}
	}
}

// WithLeeway tolerates clock skew when checking time based claims.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock overrides the verification time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the verifier logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New returns a verifier for tokens minted for projectID.
func New(source KeySource, projectID string, opts ...Option) *Verifier {
	v := &Verifier{
		keys:      source,
		projectID: projectID,
		issuer:    DefaultIssuerPrefix + projectID,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the token signature and its standard claims and returns
// the decoded claims. Every failure wraps ErrVerification.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token header has no key id", ErrMalformedToken)
	}

	pemKey, err := v.keys.GetKey(ctx, kid)
	if err != nil {
		v.logger.Debug("resolving signing key failed", zap.String("kid", kid), zap.Error(err))
		if errors.Is(err, keys.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrUnknownSigningKey, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}

	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing key %s: %w", ErrKeyFetch, kid, err)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.projectID),
		jwt.WithIssuer(v.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrMalformedToken)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}

	return claims, nil
}

// classify maps parser failures onto the verifier error kinds. A bad
// signature wins over claim failures.
func classify(err error) error {
	var kind error
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		kind = ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		kind = ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenExpired):
		kind = ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		kind = ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		kind = ErrAudienceMismatch
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		kind = ErrIssuerMismatch
	default:
		kind = ErrMalformedToken
	}
	return fmt.Errorf("%w: %w", kind, err)
}
