// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/subtle"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrStateMismatch is returned when the state posted back by the browser
	// does not match the flow in progress. Treat it as a CSRF signal.
	ErrStateMismatch = errors.New("invalid state parameter")

	// ErrNoFlowInProgress is returned when a callback arrives but no sign-in
	// flow is active.
	ErrNoFlowInProgress = errors.New("no authentication in progress")
)

// Session is the record of the sign-in flow currently in flight.
type Session struct {
	State string
	Nonce string
	Port  int
}

// SessionState holds at most one in-flight Session. It is safe for
// concurrent use by the callback handlers and the flow initiator.
type SessionState struct {
	mu      sync.Mutex
	current *Session
	logger  *zap.Logger
}

// NewSessionState returns an empty session holder. A nil logger discards
// log output.
func NewSessionState(logger *zap.Logger) *SessionState {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionState{logger: logger}
}

// Begin installs s as the active flow, replacing any stale record.
func (ss *SessionState) Begin(s Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.current != nil {
		ss.logger.Debug("replacing stale auth session", zap.Int("port", ss.current.Port))
	}
	ss.current = &s
}

// Validate checks candidate against the active flow's state.
func (ss *SessionState) Validate(candidate string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.current == nil {
		ss.logger.Error("state validation failed: no auth session found")
		return ErrNoFlowInProgress
	}
	if subtle.ConstantTimeCompare([]byte(ss.current.State), []byte(candidate)) != 1 {
		ss.logger.Error("state mismatch: possible CSRF attack", zap.Int("port", ss.current.Port))
		return ErrStateMismatch
	}
	ss.logger.Debug("state validation successful")
	return nil
}

// Current returns a copy of the active record, if any.
func (ss *SessionState) Current() (Session, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.current == nil {
		return Session{}, false
	}
	return *ss.current, true
}

// Clear removes the active record unconditionally.
func (ss *SessionState) Clear() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.current = nil
}

// ClearIf removes the active record only when it belongs to the flow
// identified by state. It reports whether anything was removed.
func (ss *SessionState) ClearIf(state string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.current == nil || ss.current.State != state {
		return false
	}
	ss.current = nil
	return true
}
