// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package keys resolves the identity provider's public signing keys by key
// identifier.
package keys

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/pquerna/cachecontrol/cacheobject"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Key set formats understood by the cache.
const (
	// FormatX509 is a JSON object mapping key ids to PEM certificates, as
	// published for Firebase session tokens.
	FormatX509 = "x509"
	// FormatJWKS is a standard JSON Web Key Set.
	FormatJWKS = "jwks"
)

const maxKeySetSize = 1 << 20

var (
	// ErrNotFound means the key id is absent from a successfully fetched set.
	ErrNotFound = errors.New("signing key not found")
	// ErrFetchFailed means the key set could not be retrieved or decoded.
	ErrFetchFailed = errors.New("fetching signing keys failed")
)

// Cache fetches the provider key set on demand. Keys are kept only as long
// as the endpoint's Cache-Control header allows.
type Cache struct {
	url    string
	format string
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	keys    map[string]string
	expires time.Time

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient sets the client used to fetch the key set.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithFormat selects the key set encoding (FormatX509 or FormatJWKS).
func WithFormat(format string) Option {
	return func(c *Cache) {
		if format != "" {
			c.format = format
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a cache reading the key set published at url.
func New(url string, opts ...Option) *Cache {
	c := &Cache{
		url:    url,
		format: FormatX509,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the PEM encoded public key for kid. A key not held in a
// fresh cached set triggers exactly one fetch; concurrent misses share it.
func (c *Cache) GetKey(ctx context.Context, kid string) (string, error) {
	if kid == "" {
		return "", fmt.Errorf("%w: empty key id", ErrNotFound)
	}

	if key, ok := c.cached(kid); ok {
		return key, nil
	}

	c.logger.Debug("signing key not cached, fetching key set", zap.String("kid", kid))
	v, err, _ := c.group.Do("keys", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return "", err
	}

	key, ok := v.(map[string]string)[kid]
	if !ok {
		c.logger.Warn("key id not published by provider", zap.String("kid", kid))
		return "", fmt.Errorf("%w: no public key for kid %q", ErrNotFound, kid)
	}
	return key, nil
}

func (c *Cache) cached(kid string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || !c.now().Before(c.expires) {
		return "", false
	}
	key, ok := c.keys[kid]
	return key, ok
}

// refresh downloads the key set and replaces the cached copy.
func (c *Cache) refresh(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrFetchFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: key endpoint returned HTTP %d", ErrFetchFailed, resp.StatusCode)
	}

	var keys map[string]string
	switch c.format {
	case FormatX509:
		keys, err = decodeX509(body)
	case FormatJWKS:
		keys, err = decodeJWKS(body)
	default:
		err = fmt.Errorf("unsupported key set format %q", c.format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	lifetime := cacheLifetime(resp.Header)
	c.mu.Lock()
	c.keys = keys
	c.expires = c.now().Add(lifetime)
	c.mu.Unlock()

	c.logger.Debug("fetched signing keys", zap.Int("keys", len(keys)), zap.Duration("ttl", lifetime))
	return keys, nil
}

func decodeX509(body []byte) (map[string]string, error) {
	keys := map[string]string{}
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("parsing key set: %w", err)
	}
	return keys, nil
}

func decodeJWKS(body []byte) (map[string]string, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}

	keys := make(map[string]string, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || k.Use == "enc" || !k.IsPublic() {
			continue
		}
		der, err := x509.MarshalPKIXPublicKey(k.Key)
		if err != nil {
			return nil, fmt.Errorf("encoding key %s: %w", k.KeyID, err)
		}
		keys[k.KeyID] = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	}
	return keys, nil
}

// cacheLifetime returns how long a response may be served from memory:
// max-age minus Age, or zero when the response must not be reused.
func cacheLifetime(h http.Header) time.Duration {
	directives, err := cacheobject.ParseResponseCacheControl(h.Get("Cache-Control"))
	if err != nil || directives.NoStore || directives.NoCachePresent || directives.MaxAge <= 0 {
		return 0
	}

	lifetime := time.Duration(directives.MaxAge) * time.Second
	if age, err := strconv.Atoi(strings.TrimSpace(h.Get("Age"))); err == nil && age > 0 {
		lifetime -= time.Duration(age) * time.Second
	}
	if lifetime < 0 {
		return 0
	}
	return lifetime
}
