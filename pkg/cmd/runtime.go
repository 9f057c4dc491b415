// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/carabiner-dev/desktopauth/pkg/client/config"
	"github.com/carabiner-dev/desktopauth/pkg/client/credentials"
	"github.com/carabiner-dev/desktopauth/pkg/client/exchange"
	"github.com/carabiner-dev/desktopauth/pkg/client/keys"
	"github.com/carabiner-dev/desktopauth/pkg/client/oauth"
	"github.com/carabiner-dev/desktopauth/pkg/client/session"
	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

// clientRuntime holds the components wired from a configuration
type clientRuntime struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *credentials.Store
	keys     *keys.Cache
	verifier *verifier.Verifier
	exchange *exchange.Client
	sessions *oauth.SessionState
	manager  *session.Manager
}

func newClientRuntime(cfg *config.Config, logger *zap.Logger) (*clientRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backend, err := credentials.NewBackend(cfg.CredentialBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening credential backend: %w", err)
	}
	store := credentials.NewStore(backend,
		credentials.WithService(cfg.KeychainService),
		credentials.WithLogger(logger.Named("credentials")),
	)

	cache := keys.New(cfg.KeysURL,
		keys.WithFormat(cfg.KeysFormat),
		keys.WithLogger(logger.Named("keys")),
	)

	v := verifier.New(cache, cfg.ProjectID,
		verifier.WithIssuer(cfg.GetIssuer()),
		verifier.WithLogger(logger.Named("verifier")),
	)

	client := exchange.NewClient(cfg.APIKey)
	client.ExchangeURL = cfg.ExchangeURL
	client.RefreshURL = cfg.RefreshURL
	client.ProviderID = cfg.GetProviderID()
	client.Logger = logger.Named("exchange")

	sessions := oauth.NewSessionState(logger.Named("state"))

	manager, err := session.NewManager(store, v, client,
		session.WithLogger(logger.Named("session")),
		session.WithSessionState(sessions),
	)
	if err != nil {
		return nil, err
	}

	return &clientRuntime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		keys:     cache,
		verifier: v,
		exchange: client,
		sessions: sessions,
		manager:  manager,
	}, nil
}

// newFlow returns a sign-in flow reporting to notifier
func (rt *clientRuntime) newFlow(notifier oauth.Notifier) *oauth.Flow {
	return &oauth.Flow{
		ClientID:  rt.cfg.WebClientID,
		AuthURL:   rt.cfg.GetAuthURL(),
		Scopes:    rt.cfg.GetScopes(),
		Port:      rt.cfg.Port,
		Timeout:   rt.cfg.FlowTimeout,
		Sessions:  rt.sessions,
		Exchanger: rt.exchange,
		Verifier:  rt.verifier,
		Store:     rt.store,
		Notifier:  notifier,
		Logger:    rt.logger.Named("flow"),
	}
}

// loadRuntime is the common prologue of the commands needing a session
func loadRuntime(co *ConfigOptions) (*clientRuntime, error) {
	cfg, err := co.Load()
	if err != nil {
		return nil, err
	}
	logger, err := co.Logger()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return newClientRuntime(cfg, logger)
}
