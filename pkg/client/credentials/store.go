// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultService is the secure-store namespace all entries are filed under.
const DefaultService = "com.cosmonaut.auth"

// Field tags appended to the user id to name each secure entry.
const (
	FieldIDToken      = "id_token"
	FieldAccessToken  = "access_token"
	FieldRefreshToken = "refresh_token"
)

var (
	// ErrNotFound is returned by Load when the user has no stored session.
	ErrNotFound = errors.New("no stored credentials")

	// ErrStore is the class of secure-store access failures.
	ErrStore = errors.New("credential store error")
)

// StoreError wraps a backend failure for one entry.
type StoreError struct {
	Op    string
	Entry string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Entry, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// TokenSet is the durable session credential of a signed-in user.
type TokenSet struct {
	IDToken      string  `json:"id_token"`
	AccessToken  string  `json:"access_token"`
	RefreshToken *string `json:"refresh_token,omitempty"`
}

// Store persists token sets in a Backend, one entry per token field.
type Store struct {
	backend Backend
	service string
	logger  *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithService overrides the secure-store namespace.
func WithService(service string) StoreOption {
	return func(s *Store) {
		if service != "" {
			s.service = service
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore returns a Store writing to backend.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		service: DefaultService,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EntryName returns the deterministic secure-entry name for a user field.
func EntryName(userID, field string) string {
	return userID + "_" + field
}

// Save overwrites every entry of userID with tokens. When tokens carries no
// refresh token any previously stored one is removed.
func (s *Store) Save(userID string, tokens *TokenSet) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if tokens == nil {
		return errors.New("token set is required")
	}
	s.logger.Info("saving tokens", zap.String("user", userID))

	if err := s.set(userID, FieldIDToken, tokens.IDToken); err != nil {
		return err
	}
	if err := s.set(userID, FieldAccessToken, tokens.AccessToken); err != nil {
		return err
	}

	if tokens.RefreshToken != nil {
		return s.set(userID, FieldRefreshToken, *tokens.RefreshToken)
	}

	name := EntryName(userID, FieldRefreshToken)
	if err := s.backend.Delete(s.service, name); err != nil && !errors.Is(err, ErrNotFound) {
		return &StoreError{Op: "deleting", Entry: name, Err: err}
	}
	return nil
}

// Load reads the token set of userID. It returns ErrNotFound when the user
// never signed in (or was logged out) and a *StoreError when the backend
// could not be read.
func (s *Store) Load(userID string) (*TokenSet, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	idToken, err := s.get(userID, FieldIDToken)
	if err != nil {
		return nil, err
	}
	accessToken, err := s.get(userID, FieldAccessToken)
	if err != nil {
		return nil, err
	}

	tokens := &TokenSet{
		IDToken:     idToken,
		AccessToken: accessToken,
	}

	refreshToken, err := s.get(userID, FieldRefreshToken)
	switch {
	case err == nil:
		tokens.RefreshToken = &refreshToken
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	return tokens, nil
}

// Delete removes every entry of userID. Entries that are already absent are
// not an error, and a failure on one field does not stop the others.
func (s *Store) Delete(userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	s.logger.Info("deleting tokens", zap.String("user", userID))

	var errs []error
	for _, field := range []string{FieldIDToken, FieldAccessToken, FieldRefreshToken} {
		name := EntryName(userID, field)
		if err := s.backend.Delete(s.service, name); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("deleting entry", zap.String("entry", name), zap.Error(err))
			errs = append(errs, &StoreError{Op: "deleting", Entry: name, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (s *Store) set(userID, field, value string) error {
	name := EntryName(userID, field)
	if err := s.backend.Set(s.service, name, value); err != nil {
		return &StoreError{Op: "saving", Entry: name, Err: err}
	}
	return nil
}

func (s *Store) get(userID, field string) (string, error) {
	name := EntryName(userID, field)
	value, err := s.backend.Get(s.service, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", &StoreError{Op: "loading", Entry: name, Err: err}
	}
	return value, nil
}
