// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package config

import "time"

const (
	AppName = "desktopauth"

	DefaultPort            = 35585
	DefaultFlowTimeout     = 5 * time.Minute
	DefaultKeychainService = "com.cosmonaut.auth"
	DefaultBackend         = "keyring"

	DefaultExchangeURL  = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithIdp"
	DefaultRefreshURL   = "https://securetoken.googleapis.com/v1/token"
	DefaultKeysURL      = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	DefaultKeysFormat   = "x509"
	DefaultIssuerPrefix = "https://securetoken.google.com/"
)

// ProviderConfig holds OAuth provider-specific defaults
type ProviderConfig struct {
	// ProviderID is the identity platform name of the provider.
	ProviderID string
	AuthURL    string
	Scopes     []string
}

// Provider defaults for supported OAuth providers
var (
	GoogleDefaults = ProviderConfig{
		ProviderID: "google.com",
		AuthURL:    "https://accounts.google.com/o/oauth2/v2/auth",
		Scopes:     []string{"openid", "email", "profile"},
	}

	MicrosoftDefaults = ProviderConfig{
		ProviderID: "microsoft.com",
		AuthURL:    "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		Scopes:     []string{"openid", "email", "profile"},
	}
)

// GetProviderDefaults returns the default configuration for a provider
func GetProviderDefaults(provider string) *ProviderConfig {
	switch provider {
	case "google", "google.com":
		return &GoogleDefaults
	case "microsoft", "microsoft.com":
		return &MicrosoftDefaults
	default:
		return &GoogleDefaults // Default to Google
	}
}

// Defaults returns a configuration with every optional field populated.
func Defaults() *Config {
	return &Config{
		Provider:          "google",
		Port:              DefaultPort,
		FlowTimeout:       DefaultFlowTimeout,
		KeychainService:   DefaultKeychainService,
		CredentialBackend: DefaultBackend,
		ExchangeURL:       DefaultExchangeURL,
		RefreshURL:        DefaultRefreshURL,
		KeysURL:           DefaultKeysURL,
		KeysFormat:        DefaultKeysFormat,
		IssuerPrefix:      DefaultIssuerPrefix,
	}
}
