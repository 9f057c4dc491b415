// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/carabiner-dev/desktopauth/pkg/client/credentials"
	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

const (
	// DefaultAuthURL is Google's authorization endpoint.
	DefaultAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
	// DefaultPort is the fixed loopback port registered as redirect URI.
	DefaultPort = 35585
	// DefaultTimeout bounds how long a flow waits for the browser.
	DefaultTimeout = 5 * time.Minute
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{"openid", "email", "profile"}

// ErrBind is wrapped by BindError.
var ErrBind = errors.New("binding callback listener")

// BindError reports that the callback port could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding callback listener on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error { return []error{ErrBind, e.Err} }

// Exchanger trades the provider identity token for a session.
type Exchanger interface {
	Exchange(ctx context.Context, providerIDToken string) (*credentials.TokenSet, error)
}

// TokenVerifier validates a session identity token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*verifier.Claims, error)
}

// CredentialSaver persists the token set of a signed-in user.
type CredentialSaver interface {
	Save(uid string, tokens *credentials.TokenSet) error
}

// Flow orchestrates the browser based implicit sign-in. Begin starts an
// attempt; its outcome is reported once through Notifier.
type Flow struct {
	ClientID string
	AuthURL  string
	Scopes   []string
	Port     int           // 0 picks an ephemeral port
	Timeout  time.Duration // Inactivity timeout (default: 5 minutes)

	Sessions  *SessionState
	Exchanger Exchanger
	Verifier  TokenVerifier
	Store     CredentialSaver
	Notifier  Notifier

	// OpenBrowser launches the system browser; defaults to pkg/browser.
	OpenBrowser func(url string) error
	Logger      *zap.Logger

	mu     sync.Mutex
	active *callbackServer
}

// Begin starts a new sign-in attempt and returns the authorization URL the
// browser was sent to. An attempt still in flight is aborted first.
func (f *Flow) Begin(ctx context.Context) (string, error) {
	if err := f.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if prev := f.active; prev != nil {
		f.logger().Info("aborting previous sign-in attempt", zap.Int("port", prev.session.Port))
		prev.abort("sign-in superseded by a new attempt")
		f.active = nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", f.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		f.logger().Error("failed to bind callback listener", zap.String("addr", addr), zap.Error(err))
		return "", &BindError{Addr: addr, Err: err}
	}

	session := Session{
		State: GenerateToken(DefaultTokenLength),
		Nonce: GenerateToken(DefaultTokenLength),
		Port:  listener.Addr().(*net.TCPAddr).Port,
	}
	f.Sessions.Begin(session)

	cs := newCallbackServer(f, session, listener)
	cs.start(f.timeout())
	f.active = cs

	authURL := f.authCodeURL(session)
	f.logger().Info("starting sign-in", zap.Int("port", session.Port))

	if err := f.openBrowser(authURL); err != nil {
		f.logger().Warn("failed to open browser automatically", zap.Error(err))
	}

	return authURL, nil
}

// Close aborts the attempt in flight, if any, and releases its port.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		f.active.abort("sign-in cancelled")
		f.active = nil
	}
}

// Done returns a channel closed when the current attempt's listener has
// shut down. It is nil when no attempt was started.
func (f *Flow) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	return f.active.done
}

// RedirectURL is the callback address registered with the provider.
func RedirectURL(port int) string {
	return fmt.Sprintf("http://localhost:%d%s", port, CallbackPath)
}

// authCodeURL builds the implicit flow authorization request
func (f *Flow) authCodeURL(session Session) string {
	scopes := f.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	authURL := f.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}

	conf := &oauth2.Config{
		ClientID:    f.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL},
		RedirectURL: RedirectURL(session.Port),
		Scopes:      scopes,
	}

	return conf.AuthCodeURL(
		session.State,
		oauth2.SetAuthURLParam("response_type", "id_token token"),
		oauth2.SetAuthURLParam("nonce", session.Nonce),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

func (f *Flow) validate() error {
	var errs []error
	if f.ClientID == "" {
		errs = append(errs, errors.New("client id is required"))
	}
	if f.Port < 0 || f.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid callback port %d", f.Port))
	}
	if f.Sessions == nil {
		errs = append(errs, errors.New("session state is required"))
	}
	if f.Exchanger == nil || f.Verifier == nil || f.Store == nil {
		errs = append(errs, errors.New("exchanger, verifier and credential store are required"))
	}
	return errors.Join(errs...)
}

func (f *Flow) timeout() time.Duration {
	if f.Timeout <= 0 {
		return DefaultTimeout
	}
	return f.Timeout
}

func (f *Flow) openBrowser(url string) error {
	if f.OpenBrowser != nil {
		return f.OpenBrowser(url)
	}
	return browser.OpenURL(url)
}

func (f *Flow) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *Flow) notifier() Notifier {
	if f.Notifier == nil {
		return logNotifier{f.logger()}
	}
	return f.Notifier
}

// logNotifier records outcomes when nobody listens for them.
type logNotifier struct{ logger *zap.Logger }

func (n logNotifier) AuthSuccess(p verifier.UserProfile) {
	n.logger.Info("sign-in succeeded", zap.String("uid", p.UID))
}

func (n logNotifier) AuthError(message string) {
	n.logger.Warn("sign-in failed", zap.String("message", strings.TrimSpace(message)))
}
