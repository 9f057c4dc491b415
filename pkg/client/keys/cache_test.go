// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carabiner-dev/desktopauth/internal/testidp"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGetKeyCachesForMaxAge(t *testing.T) {
	idp := testidp.New(t, "proj")
	idp.CacheControl = "public, max-age=600, must-revalidate"
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := New(idp.KeysURL(), WithClock(clock.Now))

	for range 3 {
		key, err := cache.GetKey(context.Background(), testidp.KeyID)
		require.NoError(t, err)
		assert.Equal(t, idp.CertPEM, key)
	}
	assert.EqualValues(t, 1, idp.KeyFetches.Load())

	clock.Advance(601 * time.Second)
	_, err := cache.GetKey(context.Background(), testidp.KeyID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, idp.KeyFetches.Load())
}

func TestGetKeyNoStore(t *testing.T) {
	for _, directive := range []string{"no-store", "no-cache", ""} {
		t.Run(directive, func(t *testing.T) {
			idp := testidp.New(t, "proj")
			idp.CacheControl = directive
			cache := New(idp.KeysURL())

			for range 2 {
				_, err := cache.GetKey(context.Background(), testidp.KeyID)
				require.NoError(t, err)
			}
			assert.EqualValues(t, 2, idp.KeyFetches.Load())
		})
	}
}

func TestGetKeyUnknownKid(t *testing.T) {
	idp := testidp.New(t, "proj")
	idp.CacheControl = "max-age=3600"
	cache := New(idp.KeysURL())

	_, err := cache.GetKey(context.Background(), "rotated-away")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrFetchFailed)
	assert.EqualValues(t, 1, idp.KeyFetches.Load())

	_, err = cache.GetKey(context.Background(), "")
	require.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 1, idp.KeyFetches.Load())
}

func TestGetKeyFetchFailures(t *testing.T) {
	for _, tc := range []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte("<html>")) //nolint:errcheck
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, err := New(srv.URL).GetKey(context.Background(), "kid")
			require.ErrorIs(t, err, ErrFetchFailed)
			assert.NotErrorIs(t, err, ErrNotFound)
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := New(url).GetKey(context.Background(), "kid")
		require.ErrorIs(t, err, ErrFetchFailed)
	})
}

func TestGetKeyJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &key.PublicKey, KeyID: "sig", Algorithm: "RS256", Use: "sig"},
		{Key: &key.PublicKey, KeyID: "enc", Algorithm: "RSA-OAEP", Use: "enc"},
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(set) //nolint:errcheck
	}))
	defer srv.Close()

	cache := New(srv.URL, WithFormat(FormatJWKS))
	pemKey, err := cache.GetKey(context.Background(), "sig")
	require.NoError(t, err)

	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	_, err = cache.GetKey(context.Background(), "enc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetKeySharesConcurrentFetch(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		<-release
		w.Header().Set("Cache-Control", "max-age=60")
		json.NewEncoder(w).Encode(map[string]string{"kid": "pem"}) //nolint:errcheck
	}))
	defer srv.Close()

	cache := New(srv.URL)
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetKey(context.Background(), "kid")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return fetches.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, fetches.Load(), int32(2))
}

func TestCacheLifetime(t *testing.T) {
	for _, tc := range []struct {
		cacheControl string
		age          string
		want         time.Duration
	}{
		{"public, max-age=19302, must-revalidate, no-transform", "", 19302 * time.Second},
		{"max-age=100", "40", 60 * time.Second},
		{"max-age=100", "400", 0},
		{"no-store, max-age=100", "", 0},
		{"max-age=100, no-cache", "", 0},
		{"max-age=oops", "", 0},
		{"private, max-age=50", "", 50 * time.Second},
		{"max-age=0", "", 0},
		{"", "", 0},
	} {
		h := http.Header{}
		h.Set("Cache-Control", tc.cacheControl)
		if tc.age != "" {
			h.Set("Age", tc.age)
		}
		assert.Equal(t, tc.want, cacheLifetime(h), "%q age=%q", tc.cacheControl, tc.age)
	}
}
