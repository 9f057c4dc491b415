// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"go.uber.org/zap"

	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

// Event names delivered to the UI layer.
const (
	EventAuthSuccess = "auth-success"
	EventAuthError   = "auth-error"
)

// Notifier receives the single terminal outcome of a sign-in flow.
type Notifier interface {
	AuthSuccess(profile verifier.UserProfile)
	AuthError(message string)
}

// Event is a notification as delivered by ChanNotifier.
type Event struct {
	Name    string                `json:"event"`
	Profile *verifier.UserProfile `json:"profile,omitempty"`
	Message string                `json:"message,omitempty"`
}

// ChanNotifier forwards notifications to a buffered channel. Sends never
// block; an event that does not fit is dropped and logged.
type ChanNotifier struct {
	C      chan Event
	Logger *zap.Logger
}

// NewChanNotifier returns a notifier whose channel holds size events.
func NewChanNotifier(size int) *ChanNotifier {
	if size < 1 {
		size = 1
	}
	return &ChanNotifier{C: make(chan Event, size), Logger: zap.NewNop()}
}

func (n *ChanNotifier) AuthSuccess(profile verifier.UserProfile) {
	n.send(Event{Name: EventAuthSuccess, Profile: &profile})
}

func (n *ChanNotifier) AuthError(message string) {
	n.send(Event{Name: EventAuthError, Message: message})
}

func (n *ChanNotifier) send(e Event) {
	select {
	case n.C <- e:
	default:
		if n.Logger != nil {
			n.Logger.Warn("dropping auth notification, receiver is not draining", zap.String("event", e.Name))
		}
	}
}
