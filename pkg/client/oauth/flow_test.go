// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carabiner-dev/desktopauth/internal/testidp"
	"github.com/carabiner-dev/desktopauth/pkg/client/credentials"
	"github.com/carabiner-dev/desktopauth/pkg/client/exchange"
	"github.com/carabiner-dev/desktopauth/pkg/client/keys"
	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

const testProject = "cosmonaut-test"

type harness struct {
	flow   *Flow
	idp    *testidp.IDP
	store  *credentials.Store
	events *ChanNotifier
	opened []string
	mu     sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	idp := testidp.New(t, testProject)
	idp.CacheControl = "max-age=3600"

	ex := exchange.NewClient("test-key")
	ex.ExchangeURL = idp.ExchangeURL()
	ex.RefreshURL = idp.RefreshURL()

	h := &harness{
		idp:    idp,
		store:  credentials.NewStore(credentials.NewMemoryBackend()),
		events: NewChanNotifier(8),
	}
	h.flow = &Flow{
		ClientID:  "client-123.apps.googleusercontent.com",
		Port:      0,
		Timeout:   10 * time.Second,
		Sessions:  NewSessionState(nil),
		Exchanger: ex,
		Verifier:  verifier.New(keys.New(idp.KeysURL()), testProject),
		Store:     h.store,
		Notifier:  h.events,
		OpenBrowser: func(u string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.opened = append(h.opened, u)
			return nil
		},
	}
	t.Cleanup(h.flow.Close)
	return h
}

// begin starts a flow and returns its state and local base URL.
func (h *harness) begin(t *testing.T) (state, base string) {
	t.Helper()
	authURL, err := h.flow.Begin(context.Background())
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	redirect, err := url.Parse(u.Query().Get("redirect_uri"))
	require.NoError(t, err)

	return u.Query().Get("state"), "http://127.0.0.1:" + redirect.Port()
}

func (h *harness) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-h.events.C:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for auth notification")
		return Event{}
	}
}

func (h *harness) noEvent(t *testing.T) {
	t.Helper()
	select {
	case e := <-h.events.C:
		t.Fatalf("unexpected notification %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-h.flow.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("callback listener did not shut down")
	}
}

func postTokens(t *testing.T, base string, payload any, origin string) (int, callbackResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, base+ProcessTokensPath, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var out callbackResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAuthorizationURL(t *testing.T) {
	h := newHarness(t)
	authURL, err := h.flow.Begin(context.Background())
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", u.Host)

	session, ok := h.flow.Sessions.Current()
	require.True(t, ok)

	q := u.Query()
	assert.Equal(t, "id_token token", q.Get("response_type"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, "select_account", q.Get("prompt"))
	assert.Equal(t, "client-123.apps.googleusercontent.com", q.Get("client_id"))
	assert.Equal(t, session.State, q.Get("state"))
	assert.Equal(t, session.Nonce, q.Get("nonce"))
	assert.Equal(t, fmt.Sprintf("http://localhost:%d/callback", session.Port), q.Get("redirect_uri"))
	assert.Len(t, session.State, 43)
	assert.NotEqual(t, session.State, session.Nonce)

	assert.Equal(t, []string{authURL}, h.opened)
}

func TestSignInSuccess(t *testing.T) {
	h := newHarness(t)
	state, base := h.begin(t)

	status, resp := postTokens(t, base, tokenPayload{IDToken: "alice", AccessToken: "browser-at", State: state}, base)
	require.Equal(t, http.StatusOK, status, resp.Message)
	assert.Equal(t, "success", resp.Status)

	e := h.nextEvent(t)
	require.Equal(t, EventAuthSuccess, e.Name)
	require.NotNil(t, e.Profile)
	assert.Equal(t, "alice", e.Profile.UID)
	assert.Equal(t, "alice@example.com", e.Profile.Email)

	tokens, err := h.store.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, "ya29.alice", tokens.AccessToken)
	require.NotNil(t, tokens.RefreshToken)

	_, ok := h.flow.Sessions.Current()
	assert.False(t, ok, "session state must be cleared on success")

	h.waitClosed(t)
	h.noEvent(t)

	_, err = http.Post(base+ProcessTokensPath, "application/json", strings.NewReader(`{}`)) //nolint:noctx
	assert.Error(t, err, "listener must be unbound after the terminal outcome")
}

func TestSignInExchangeFailure(t *testing.T) {
	h := newHarness(t)
	state, base := h.begin(t)

	status, resp := postTokens(t, base, tokenPayload{IDToken: "invalid-provider-token", State: state}, "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "INVALID_IDP_RESPONSE")

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthError, e.Name)
	assert.Equal(t, resp.Message, e.Message)

	h.waitClosed(t)
	h.noEvent(t)

	_, ok := h.flow.Sessions.Current()
	assert.False(t, ok)
}

func TestSignInExchangeUnreachableHidesAPIKey(t *testing.T) {
	h := newHarness(t)
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	ex := exchange.NewClient("test-key")
	ex.ExchangeURL = closed.URL
	h.flow.Exchanger = ex

	state, base := h.begin(t)
	status, resp := postTokens(t, base, tokenPayload{IDToken: "alice", State: state}, "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, resp.Message, closed.URL)
	assert.NotContains(t, resp.Message, "test-key")

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthError, e.Name)
	assert.NotContains(t, e.Message, "test-key")
	h.waitClosed(t)
}

func TestSignInStateMismatch(t *testing.T) {
	h := newHarness(t)
	_, base := h.begin(t)

	status, resp := postTokens(t, base, tokenPayload{IDToken: "alice", State: "wrong"}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, ErrStateMismatch.Error(), resp.Message)
	assert.Zero(t, h.idp.Exchanges.Load(), "no exchange after a state mismatch")

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthError, e.Name)
	h.waitClosed(t)
	h.noEvent(t)

	_, err := h.store.Load("alice")
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestSignInVerificationFailure(t *testing.T) {
	h := newHarness(t)
	h.flow.Verifier = verifier.New(keys.New(h.idp.KeysURL()), "another-project")
	state, base := h.begin(t)

	status, resp := postTokens(t, base, tokenPayload{IDToken: "alice", State: state}, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, resp.Message, "audience")

	assert.Equal(t, EventAuthError, h.nextEvent(t).Name)
	_, err := h.store.Load("alice")
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

type failingSaver struct{}

func (failingSaver) Save(string, *credentials.TokenSet) error {
	return errors.New("keychain locked")
}

func TestSignInPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.flow.Store = failingSaver{}
	state, base := h.begin(t)

	status, resp := postTokens(t, base, tokenPayload{IDToken: "alice", State: state}, "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, resp.Message, "keychain locked")

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthError, e.Name)
	h.waitClosed(t)
	h.noEvent(t)

	_, ok := h.flow.Sessions.Current()
	assert.False(t, ok)
}

func TestProviderError(t *testing.T) {
	h := newHarness(t)
	_, base := h.begin(t)

	resp, err := http.Get(base + CallbackPath + "?error=access_denied&error_description=User+cancelled") //nolint:noctx
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body) //nolint:errcheck
	resp.Body.Close()                //nolint:errcheck

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "access_denied")

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthError, e.Name)
	assert.Contains(t, e.Message, "access_denied")

	h.waitClosed(t)
	_, ok := h.flow.Sessions.Current()
	assert.False(t, ok)
}

func TestExtractionPageDoesNotClaim(t *testing.T) {
	h := newHarness(t)
	state, base := h.begin(t)

	resp, err := http.Get(base + CallbackPath) //nolint:noctx
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body) //nolint:errcheck
	resp.Body.Close()                //nolint:errcheck

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "location.hash")
	assert.Contains(t, string(body), ProcessTokensPath)
	assert.Contains(t, string(body), "error_description", "fragment errors are forwarded")

	status, _ := postTokens(t, base, tokenPayload{IDToken: "bob", State: state}, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, EventAuthSuccess, h.nextEvent(t).Name)
}

func TestRejectedRequestsDoNotClaim(t *testing.T) {
	h := newHarness(t)
	state, base := h.begin(t)

	status, _ := postTokens(t, base, tokenPayload{IDToken: "alice", State: state}, "https://evil.example")
	assert.Equal(t, http.StatusForbidden, status)

	resp, err := http.Post(base+ProcessTokensPath, "application/json", strings.NewReader(`{"id_token":`)) //nolint:noctx
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.noEvent(t)

	status, _ = postTokens(t, base, tokenPayload{IDToken: "alice", State: state}, "http://localhost"+base[len("http://127.0.0.1"):])
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, EventAuthSuccess, h.nextEvent(t).Name)
}

func TestRequestsAfterClaimAreGone(t *testing.T) {
	h := newHarness(t)
	state, base := h.begin(t)

	status, _ := postTokens(t, base, tokenPayload{IDToken: "alice", State: state}, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, EventAuthSuccess, h.nextEvent(t).Name)

	// Drive the handler directly; the socket may already be gone.
	handler := h.flow.active.server.Handler

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, ProcessTokensPath,
		strings.NewReader(fmt.Sprintf(`{"id_token":"alice","state":%q}`, state)))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, CallbackPath+"?error=late", nil))
	assert.Equal(t, http.StatusGone, rec.Code)

	h.noEvent(t)
}

func TestConcurrentPostsSingleOutcome(t *testing.T) {
	h := newHarness(t)
	state, base := h.begin(t)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := fmt.Sprintf(`{"id_token":"alice","state":%q}`, state)
			resp, err := http.Post(base+ProcessTokensPath, "application/json", strings.NewReader(body)) //nolint:noctx
			if err == nil {
				resp.Body.Close() //nolint:errcheck
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, EventAuthSuccess, h.nextEvent(t).Name)
	h.noEvent(t)
	assert.EqualValues(t, 1, h.idp.Exchanges.Load())
}

func TestFlowTimeout(t *testing.T) {
	h := newHarness(t)
	h.flow.Timeout = 100 * time.Millisecond
	h.begin(t)

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthError, e.Name)
	assert.Equal(t, "sign-in timed out", e.Message)

	h.waitClosed(t)
	_, ok := h.flow.Sessions.Current()
	assert.False(t, ok)
}

// slowExchanger holds each exchange for delay before delegating.
type slowExchanger struct {
	next  Exchanger
	delay time.Duration
}

func (s slowExchanger) Exchange(ctx context.Context, token string) (*credentials.TokenSet, error) {
	time.Sleep(s.delay)
	return s.next.Exchange(ctx, token)
}

func TestTimeoutWaitsForRequestInFlight(t *testing.T) {
	h := newHarness(t)
	h.flow.Timeout = 300 * time.Millisecond
	h.flow.Exchanger = slowExchanger{next: h.flow.Exchanger, delay: time.Second}
	state, base := h.begin(t)

	status, resp := postTokens(t, base, tokenPayload{IDToken: "alice", State: state}, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", resp.Status)

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthSuccess, e.Name)
	h.waitClosed(t)
	h.noEvent(t)

	_, err := h.store.Load("alice")
	assert.NoError(t, err)
}

func TestRequestsRestartTimeout(t *testing.T) {
	h := newHarness(t)
	h.flow.Timeout = 400 * time.Millisecond
	_, base := h.begin(t)

	// Keep the listener busy past the timeout measured from Begin
	for range 5 {
		time.Sleep(150 * time.Millisecond)
		resp, err := http.Get(base + CallbackPath) //nolint:noctx
		require.NoError(t, err)
		resp.Body.Close() //nolint:errcheck
	}
	h.noEvent(t)

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthError, e.Name)
	assert.Equal(t, "sign-in timed out", e.Message)
	h.waitClosed(t)
}

func TestBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close() //nolint:errcheck

	h := newHarness(t)
	h.flow.Port = busy.Addr().(*net.TCPAddr).Port

	_, err = h.flow.Begin(context.Background())
	require.ErrorIs(t, err, ErrBind)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Contains(t, bindErr.Addr, fmt.Sprint(h.flow.Port))

	_, ok := h.flow.Sessions.Current()
	assert.False(t, ok, "no session state on bind failure")
	assert.Empty(t, h.opened)
	h.noEvent(t)
}

func TestSupersededFlow(t *testing.T) {
	h := newHarness(t)
	first, firstBase := h.begin(t)
	firstDone := h.flow.Done()

	second, _ := h.begin(t)
	require.NotEqual(t, first, second)

	e := h.nextEvent(t)
	assert.Equal(t, EventAuthError, e.Name)
	assert.Contains(t, e.Message, "superseded")

	select {
	case <-firstDone:
	default:
		t.Fatal("previous listener must be closed before Begin returns")
	}

	_, err := http.Get(firstBase + CallbackPath) //nolint:noctx
	assert.Error(t, err)

	cur, ok := h.flow.Sessions.Current()
	require.True(t, ok)
	assert.Equal(t, second, cur.State)
}

func TestBrowserFailureStillReturnsURL(t *testing.T) {
	h := newHarness(t)
	h.flow.OpenBrowser = func(string) error { return errors.New("no display") }

	authURL, err := h.flow.Begin(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(authURL, DefaultAuthURL))
}

func TestFlowValidation(t *testing.T) {
	f := &Flow{Port: 70000}
	_, err := f.Begin(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client id is required")
	assert.Contains(t, err.Error(), "invalid callback port")
	assert.Nil(t, f.Done())
}
