// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"go.uber.org/zap"

	"github.com/carabiner-dev/desktopauth/pkg/client/oauth"
)

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithLogger sets the manager logger. Default discards output.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionState links the in-flight sign-in state so Logout can drop
// a pending flow as well.
func WithSessionState(ss *oauth.SessionState) Option {
	return func(m *Manager) {
		m.sessions = ss
	}
}
