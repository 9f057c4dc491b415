// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package session restores, refreshes and ends stored sign-in sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/carabiner-dev/desktopauth/pkg/client/credentials"
	"github.com/carabiner-dev/desktopauth/pkg/client/exchange"
	"github.com/carabiner-dev/desktopauth/pkg/client/oauth"
	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

// ErrNoSession is returned when no usable session exists for a user.
var ErrNoSession = errors.New("no session")

// TokenSource is an interface for retrieving tokens, similar to oauth2.TokenSource.
type TokenSource interface {
	// Token returns a valid identity token or an error.
	Token(ctx context.Context) (string, error)
}

// CredentialStore persists token sets per user.
type CredentialStore interface {
	Save(uid string, tokens *credentials.TokenSet) error
	Load(uid string) (*credentials.TokenSet, error)
	Delete(uid string) error
}

// TokenVerifier validates identity tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*verifier.Claims, error)
}

// Refresher redeems refresh tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*structpb.Struct, error)
}

// Manager turns stored credentials back into a signed-in user. A restore
// makes at most one refresh attempt; anything unrecoverable ends with the
// stored credentials removed.
type Manager struct {
	mu        sync.Mutex
	store     CredentialStore
	verifier  TokenVerifier
	refresher Refresher
	sessions  *oauth.SessionState
	logger    *zap.Logger
}

// NewManager creates a session manager.
func NewManager(store CredentialStore, v TokenVerifier, r Refresher, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if v == nil {
		return nil, errors.New("token verifier is required")
	}
	if r == nil {
		return nil, errors.New("refresher is required")
	}

	m := &Manager{
		store:     store,
		verifier:  v,
		refresher: r,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Restore returns the profile of uid's stored session, refreshing it once
// if the identity token no longer verifies. Failures are reported as
// ErrNoSession with the cause attached.
func (m *Manager) Restore(ctx context.Context, uid string) (*verifier.UserProfile, error) {
	_, profile, err := m.restore(ctx, uid)
	return profile, err
}

// Token restores uid's session and returns its current identity token.
func (m *Manager) Token(ctx context.Context, uid string) (string, error) {
	tokens, _, err := m.restore(ctx, uid)
	if err != nil {
		return "", err
	}
	return tokens.IDToken, nil
}

// TokenSource returns a TokenSource bound to uid.
func (m *Manager) TokenSource(uid string) TokenSource {
	return &managerTokenSource{manager: m, uid: uid}
}

func (m *Manager) restore(ctx context.Context, uid string) (*credentials.TokenSet, *verifier.UserProfile, error) {
	if uid == "" {
		return nil, nil, fmt.Errorf("%w: user id is required", ErrNoSession)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.With(zap.String("uid", uid))

	tokens, err := m.store.Load(uid)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			log.Debug("no stored credentials")
		} else {
			log.Warn("loading stored credentials failed", zap.Error(err))
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}

	claims, err := m.verifier.Verify(ctx, tokens.IDToken)
	if err == nil {
		profile := claims.Profile()
		if profile.UID != uid {
			return nil, nil, m.discard(uid, fmt.Errorf("stored token belongs to %q", profile.UID))
		}
		log.Debug("restored session")
		return tokens, &profile, nil
	}

	// Without the key set there is no telling whether the token is bad
	if errors.Is(err, verifier.ErrKeyFetch) {
		log.Warn("cannot verify stored token, signing keys unavailable", zap.Error(err))
		return nil, nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}

	log.Info("stored identity token rejected", zap.Error(err))
	if tokens.RefreshToken == nil || *tokens.RefreshToken == "" {
		return nil, nil, m.discard(uid, fmt.Errorf("no refresh token: %w", err))
	}

	fresh, err := m.refresh(ctx, log, tokens)
	if err != nil {
		return nil, nil, m.discard(uid, err)
	}

	claims, err = m.verifier.Verify(ctx, fresh.IDToken)
	if err != nil {
		return nil, nil, m.discard(uid, fmt.Errorf("verifying refreshed token: %w", err))
	}
	profile := claims.Profile()
	if profile.UID != uid {
		return nil, nil, m.discard(uid, fmt.Errorf("refreshed token belongs to %q", profile.UID))
	}

	if err := m.store.Save(uid, fresh); err != nil {
		log.Error("persisting refreshed credentials failed", zap.Error(err))
	}

	log.Info("session refreshed")
	return fresh, &profile, nil
}

// refresh redeems the stored refresh token once
func (m *Manager) refresh(ctx context.Context, log *zap.Logger, prior *credentials.TokenSet) (*credentials.TokenSet, error) {
	raw, err := m.refresher.Refresh(ctx, *prior.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	fresh, err := exchange.RefreshedTokens(raw, prior)
	if err != nil {
		return nil, err
	}

	if _, ok := raw.GetFields()["access_token"]; !ok {
		log.Warn("refresh response has no access token, keeping the previous one")
	}
	return fresh, nil
}

// discard deletes uid's credentials and returns the ErrNoSession for cause.
func (m *Manager) discard(uid string, cause error) error {
	m.logger.Info("discarding stored session", zap.String("uid", uid), zap.Error(cause))
	if err := m.store.Delete(uid); err != nil {
		m.logger.Warn("deleting stored credentials failed", zap.String("uid", uid), zap.Error(err))
	}
	return fmt.Errorf("%w: %w", ErrNoSession, cause)
}

// Logout removes uid's stored credentials and drops any pending sign-in.
func (m *Manager) Logout(uid string) error {
	if uid == "" {
		return errors.New("user id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions != nil {
		m.sessions.Clear()
	}
	if err := m.store.Delete(uid); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	m.logger.Info("signed out", zap.String("uid", uid))
	return nil
}

// RefreshToken redeems refreshToken and returns the raw provider response.
func (m *Manager) RefreshToken(ctx context.Context, refreshToken string) (*structpb.Struct, error) {
	return m.refresher.Refresh(ctx, refreshToken)
}

// managerTokenSource implements TokenSource using the Manager.
type managerTokenSource struct {
	manager *Manager
	uid     string
}

func (ts *managerTokenSource) Token(ctx context.Context) (string, error) {
	return ts.manager.Token(ctx, ts.uid)
}
