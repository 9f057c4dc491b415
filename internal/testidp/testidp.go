// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package testidp runs a fake identity platform for tests: it publishes
// signing certificates, mints session tokens, and answers the sign-in
// exchange and refresh endpoints.
package testidp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// KeyID is the kid of the key the IDP signs with.
	KeyID = "test-key-1"

	// IssuerPrefix mirrors the production issuer layout.
	IssuerPrefix = "https://securetoken.google.com/"

	// RefreshPrefix is prepended to a uid to form its refresh token.
	RefreshPrefix = "refresh-"
)

// IDP is a fake identity platform backed by an httptest server.
type IDP struct {
	Server    *httptest.Server
	ProjectID string
	Key       *rsa.PrivateKey
	CertPEM   string

	// CacheControl is sent with the key set response.
	CacheControl string
	// OmitRefreshedAccessToken drops access_token from refresh responses.
	OmitRefreshedAccessToken bool
	// OmitRefreshedRefreshToken drops refresh_token from refresh responses.
	OmitRefreshedRefreshToken bool

	KeyFetches atomic.Int32
	Exchanges  atomic.Int32
	Refreshes  atomic.Int32

	mu  sync.Mutex
	now func() time.Time
}

// New starts an IDP for projectID. The server is closed when the test ends.
func New(t testing.TB, projectID string) *IDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	idp := &IDP{
		ProjectID: projectID,
		Key:       key,
		CertPEM:   SelfSignedPEM(t, key),
		now:       time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/keys", idp.handleKeys)
	mux.HandleFunc("/v1/accounts:signInWithIdp", idp.handleExchange)
	mux.HandleFunc("/v1/token", idp.handleRefresh)
	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Server.Close)

	return idp
}

// SelfSignedPEM wraps the public half of key in a PEM certificate.
func SelfSignedPEM(t testing.TB, key *rsa.PrivateKey) string {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "securetoken.system.gserviceaccount.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// SetClock changes the time used to stamp minted tokens.
func (i *IDP) SetClock(now func() time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.now = now
}

func (i *IDP) clock() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.now()
}

func (i *IDP) KeysURL() string     { return i.Server.URL + "/keys" }
func (i *IDP) ExchangeURL() string { return i.Server.URL + "/v1/accounts:signInWithIdp" }
func (i *IDP) RefreshURL() string  { return i.Server.URL + "/v1/token" }
func (i *IDP) Issuer() string      { return IssuerPrefix + i.ProjectID }

// Claims returns the claim set the IDP puts in a session token for uid.
func (i *IDP) Claims(uid string, issuedAt time.Time, ttl time.Duration) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            i.Issuer(),
		"aud":            i.ProjectID,
		"auth_time":      issuedAt.Unix(),
		"user_id":        uid,
		"sub":            uid,
		"iat":            issuedAt.Unix(),
		"exp":            issuedAt.Add(ttl).Unix(),
		"email":          uid + "@example.com",
		"email_verified": true,
		"name":           strings.ToUpper(uid[:1]) + uid[1:],
		"picture":        "https://example.com/" + uid + ".png",
		"firebase": map[string]any{
			"identities": map[string]any{
				"google.com": []any{"g-" + uid},
				"email":      []any{uid + "@example.com"},
			},
			"sign_in_provider": "google.com",
		},
	}
}

// Sign signs claims with the IDP key under kid.
func (i *IDP) Sign(t testing.TB, kid string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(i.Key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// SessionToken mints a valid session token for uid issued now.
func (i *IDP) SessionToken(t testing.TB, uid string) string {
	t.Helper()
	return i.Sign(t, KeyID, i.Claims(uid, i.clock(), time.Hour))
}

// ExpiredSessionToken mints a session token for uid that expired an hour ago.
func (i *IDP) ExpiredSessionToken(t testing.TB, uid string) string {
	t.Helper()
	return i.Sign(t, KeyID, i.Claims(uid, i.clock().Add(-2*time.Hour), time.Hour))
}

func (i *IDP) handleKeys(w http.ResponseWriter, _ *http.Request) {
	i.KeyFetches.Add(1)
	if i.CacheControl != "" {
		w.Header().Set("Cache-Control", i.CacheControl)
	}
	writeJSON(w, http.StatusOK, map[string]string{KeyID: i.CertPEM})
}

// handleExchange accepts a provider id token equal to the uid to sign in.
// Tokens starting with "invalid" are rejected.
func (i *IDP) handleExchange(w http.ResponseWriter, r *http.Request) {
	i.Exchanges.Add(1)

	var req struct {
		PostBody          string `json:"postBody"`
		RequestURI        string `json:"requestUri"`
		ReturnSecureToken bool   `json:"returnSecureToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.ReturnSecureToken {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST")
		return
	}
	form, err := url.ParseQuery(req.PostBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_POST_BODY")
		return
	}
	uid := form.Get("id_token")
	if uid == "" || strings.HasPrefix(uid, "invalid") {
		writeError(w, http.StatusBadRequest, "INVALID_IDP_RESPONSE : Invalid Idp Response")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"providerId":       form.Get("providerId"),
		"localId":          uid,
		"email":            uid + "@example.com",
		"idToken":          i.SessionToken(testingStub{}, uid),
		"refreshToken":     RefreshPrefix + uid,
		"oauthAccessToken": "ya29." + uid,
		"expiresIn":        "3600",
	})
}

func (i *IDP) handleRefresh(w http.ResponseWriter, r *http.Request) {
	i.Refreshes.Add(1)

	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
		writeError(w, http.StatusBadRequest, "INVALID_GRANT_TYPE")
		return
	}
	uid, ok := strings.CutPrefix(r.PostForm.Get("refresh_token"), RefreshPrefix)
	if !ok || uid == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REFRESH_TOKEN")
		return
	}

	idToken := i.SessionToken(testingStub{}, uid)
	resp := map[string]any{
		"id_token":   idToken,
		"expires_in": "3600",
		"token_type": "Bearer",
		"user_id":    uid,
		"project_id": i.ProjectID,
	}
	if !i.OmitRefreshedAccessToken {
		resp["access_token"] = idToken
	}
	if !i.OmitRefreshedRefreshToken {
		resp["refresh_token"] = RefreshPrefix + uid
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

// testingStub lets handlers reuse the signing helpers outside a test
// goroutine; signing with a valid RSA key does not fail.
type testingStub struct{ testing.TB }

func (testingStub) Helper()               {}
func (testingStub) Fatalf(string, ...any) { panic("testidp: signing failed") }
