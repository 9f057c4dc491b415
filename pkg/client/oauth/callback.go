// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

const (
	// CallbackPath is where the provider redirects the browser.
	CallbackPath = "/callback"
	// ProcessTokensPath receives the fragment tokens posted by the page.
	ProcessTokensPath = "/process-tokens"

	maxTokenPayload = 64 << 10
	callTimeout     = 30 * time.Second
	drainTimeout    = 5 * time.Second
)

var (
	errorTmpl      = template.Must(template.New("error").Parse(errorPageTemplate))
	extractionTmpl = template.Must(template.New("extract").Parse(extractionPageTemplate))
)

// tokenPayload is what the extraction page posts back.
type tokenPayload struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	State       string `json:"state"`
}

// callbackResponse is the JSON answer to the extraction page.
type callbackResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// callbackServer is the loopback listener of one sign-in flow. The first
// request reaching a terminal outcome claims it; everything after that is
// turned away.
type callbackServer struct {
	flow     *Flow
	session  Session
	listener net.Listener
	server   *http.Server
	origins  []string
	logger   *zap.Logger

	claimed  atomic.Bool
	activity chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// newCallbackServer wraps an already bound listener for the flow in session
func newCallbackServer(flow *Flow, session Session, listener net.Listener) *callbackServer {
	cs := &callbackServer{
		flow:     flow,
		session:  session,
		listener: listener,
		origins: []string{
			fmt.Sprintf("http://localhost:%d", session.Port),
			fmt.Sprintf("http://127.0.0.1:%d", session.Port),
		},
		logger:   flow.logger().With(zap.Int("port", session.Port)),
		activity: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(cs.touch)
	r.Get(CallbackPath, cs.handleCallback)
	r.With(cs.sameOrigin).Post(ProcessTokensPath, cs.handleProcessTokens)

	cs.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * callTimeout,
	}

	return cs
}

// start serves requests until a terminal outcome, an abort or the
// inactivity timeout, then shuts the listener down.
func (cs *callbackServer) start(timeout time.Duration) {
	go cs.server.Serve(cs.listener) //nolint:errcheck

	go func() {
		cs.wait(timeout)

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := cs.server.Shutdown(ctx); err != nil {
			cs.logger.Debug("forcing callback server close", zap.Error(err))
			cs.server.Close() //nolint:errcheck
		}
		cs.logger.Debug("callback listener closed")
		close(cs.done)
	}()
}

// wait blocks until the flow ends. The timeout restarts on every request;
// when it expires while a request holds the flow, that request finishes
// and answers the browser first.
func (cs *callbackServer) wait(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-cs.stop:
			return
		case <-cs.activity:
			timer.Reset(timeout)
		case <-timer.C:
			if cs.claim() {
				cs.logger.Warn("sign-in timed out waiting for the browser", zap.Duration("timeout", timeout))
				cs.fail("sign-in timed out")
				return
			}
			<-cs.stop
			return
		}
	}
}

// touch records request activity for the inactivity timeout
func (cs *callbackServer) touch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case cs.activity <- struct{}{}:
		default:
		}
		next.ServeHTTP(w, r)
	})
}

// claim reports whether the caller won the right to finish the flow.
func (cs *callbackServer) claim() bool {
	return cs.claimed.CompareAndSwap(false, true)
}

// shutdown signals the server loop to stop. Repeated calls are no-ops.
func (cs *callbackServer) shutdown() {
	cs.stopOnce.Do(func() { close(cs.stop) })
}

// abort ends the flow from outside, as when a newer attempt replaces it,
// and waits for the port to be released.
func (cs *callbackServer) abort(message string) {
	if cs.claim() {
		cs.fail(message)
	}
	cs.shutdown()
	<-cs.done
}

// fail finishes the claimed flow with an error notification.
func (cs *callbackServer) fail(message string) {
	cs.flow.Sessions.ClearIf(cs.session.State)
	cs.flow.notifier().AuthError(message)
	cs.shutdown()
}

// succeed finishes the claimed flow with the signed-in profile.
func (cs *callbackServer) succeed(profile verifier.UserProfile) {
	cs.flow.Sessions.ClearIf(cs.session.State)
	cs.flow.notifier().AuthSuccess(profile)
	cs.shutdown()
}

// sameOrigin rejects cross-site posts without claiming the flow.
func (cs *callbackServer) sameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		for _, allowed := range cs.origins {
			if origin == allowed {
				next.ServeHTTP(w, r)
				return
			}
		}
		cs.logger.Warn("rejecting cross-origin token post", zap.String("origin", origin))
		writeJSON(w, http.StatusForbidden, callbackResponse{Status: "error", Message: "cross-origin request rejected"})
	})
}

// handleCallback serves the provider redirect
func (cs *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	providerErr := query.Get("error")

	if cs.claimed.Load() {
		renderPage(w, http.StatusGone, errorTmpl, pageData{
			Error: "this sign-in attempt has already finished",
		})
		return
	}

	if providerErr == "" {
		renderPage(w, http.StatusOK, extractionTmpl, nil)
		return
	}

	if !cs.claim() {
		renderPage(w, http.StatusGone, errorTmpl, pageData{
			Error: "this sign-in attempt has already finished",
		})
		return
	}

	description := query.Get("error_description")
	cs.logger.Warn("identity provider reported an error",
		zap.String("error", providerErr), zap.String("description", description))

	message := "identity provider error: " + providerErr
	if description != "" {
		message += ": " + description
	}
	cs.fail(message)

	renderPage(w, http.StatusBadRequest, errorTmpl, pageData{Error: providerErr, Description: description})
}

// handleProcessTokens runs validation, exchange, verification and
// persistence for the tokens read from the URL fragment.
func (cs *callbackServer) handleProcessTokens(w http.ResponseWriter, r *http.Request) {
	if cs.claimed.Load() {
		writeJSON(w, http.StatusGone, callbackResponse{Status: "error", Message: "sign-in already completed"})
		return
	}

	var payload tokenPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTokenPayload))
	if err := dec.Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, callbackResponse{Status: "error", Message: "malformed token payload"})
		return
	}
	if payload.IDToken == "" {
		writeJSON(w, http.StatusBadRequest, callbackResponse{Status: "error", Message: "missing id_token"})
		return
	}

	if !cs.claim() {
		writeJSON(w, http.StatusGone, callbackResponse{Status: "error", Message: "sign-in already completed"})
		return
	}

	status, profile, err := cs.process(r.Context(), &payload)
	if err != nil {
		cs.fail(err.Error())
		writeJSON(w, status, callbackResponse{Status: "error", Message: err.Error()})
		return
	}

	cs.logger.Info("sign-in completed", zap.String("uid", profile.UID))
	cs.succeed(*profile)
	writeJSON(w, http.StatusOK, callbackResponse{Status: "success"})
}

// process is the protocol pipeline. It returns the HTTP status to answer
// with when a step fails.
func (cs *callbackServer) process(reqCtx context.Context, payload *tokenPayload) (int, *verifier.UserProfile, error) {
	if err := cs.flow.Sessions.Validate(payload.State); err != nil {
		return http.StatusBadRequest, nil, err
	}

	// Finish the exchange even if the page goes away mid-request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), callTimeout)
	defer cancel()

	tokens, err := cs.flow.Exchanger.Exchange(ctx, payload.IDToken)
	if err != nil {
		cs.logger.Error("token exchange failed", zap.Error(err))
		return http.StatusBadGateway, nil, fmt.Errorf("exchanging tokens: %w", err)
	}

	claims, err := cs.flow.Verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		cs.logger.Error("verifying session token failed", zap.Error(err))
		status := http.StatusUnauthorized
		if errors.Is(err, verifier.ErrKeyFetch) {
			status = http.StatusBadGateway
		}
		return status, nil, fmt.Errorf("verifying identity token: %w", err)
	}

	if tokens.AccessToken == "" {
		tokens.AccessToken = payload.AccessToken
	}

	profile := claims.Profile()
	if err := cs.flow.Store.Save(profile.UID, tokens); err != nil {
		cs.logger.Error("persisting credentials failed", zap.String("uid", profile.UID), zap.Error(err))
		return http.StatusInternalServerError, nil, fmt.Errorf("storing credentials: %w", err)
	}

	return http.StatusOK, &profile, nil
}

type pageData struct {
	Error       string
	Description string
}

func renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	tmpl.Execute(w, data) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// HTML templates for callback pages
const pageStyle = `
    <style>
        body {
            font-family: "Ubuntu", -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            height: 100vh;
            margin: 0;
            background: #1d2230;
        }
        .container {
            background: white;
            padding: 3rem;
            border-radius: 10px;
            box-shadow: 0 10px 40px rgba(0,0,0,0.5);
            text-align: center;
            max-width: 420px;
        }
        h1 { color: #333; margin: 0 0 1rem 0; }
        .icon { font-size: 64px; margin-bottom: 1rem; }
        .ok { color: #4CAF50; }
        .bad { color: #f44336; }
        p { color: #666; margin: 0; }
        .error-details {
            background: #f5f5f5;
            padding: 1rem;
            border-radius: 5px;
            margin-top: 1rem;
            font-size: 0.9em;
        }
    </style>`

const extractionPageTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>Signing in...</title>` + pageStyle + `
</head>
<body>
    <div class="container">
        <div id="icon" class="icon">&#8987;</div>
        <h1 id="title">Completing sign-in</h1>
        <p id="detail">Please wait while your account is verified.</p>
    </div>
    <script>
        const params = new URLSearchParams(window.location.hash.substring(1));
        history.replaceState(null, "", window.location.pathname);

        function show(ok, title, detail) {
            const icon = document.getElementById("icon");
            icon.className = "icon " + (ok ? "ok" : "bad");
            icon.textContent = ok ? "✓" : "✗";
            document.getElementById("title").textContent = title;
            document.getElementById("detail").textContent = detail;
        }

        if (params.get("error")) {
            // Implicit flow errors arrive in the fragment; hand them to the server
            const query = new URLSearchParams({
                error: params.get("error"),
                error_description: params.get("error_description") || ""
            });
            window.location.replace(window.location.pathname + "?" + query.toString());
        } else fetch("/process-tokens", {
            method: "POST",
            headers: { "Content-Type": "application/json" },
            body: JSON.stringify({
                id_token: params.get("id_token") || "",
                access_token: params.get("access_token") || "",
                state: params.get("state") || ""
            })
        })
        .then(function (resp) { return resp.json(); })
        .then(function (result) {
            if (result.status === "success") {
                show(true, "Authentication Successful!", "You can close this window and return to the application.");
            } else {
                show(false, "Authentication Failed", result.message || "Please close this window and try again.");
            }
        })
        .catch(function (err) {
            show(false, "Authentication Failed", String(err));
        });
    </script>
</body>
</html>`

const errorPageTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>Authentication Failed</title>` + pageStyle + `
</head>
<body>
    <div class="container">
        <div class="icon bad">✗</div>
        <h1>Authentication Failed</h1>
        <p>An error occurred during authentication.</p>
        {{if .Error}}
        <div class="error-details">
            <strong>Error:</strong> {{.Error}}<br>
            {{if .Description}}<strong>Details:</strong> {{.Description}}{{end}}
        </div>
        {{end}}
        <p style="margin-top: 1rem;">Please close this window and try again.</p>
    </div>
</body>
</html>`
