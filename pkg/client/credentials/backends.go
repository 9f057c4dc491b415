// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// Backend names accepted by NewBackend.
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

// Backend is a flat secret store addressed by service and entry name.
// Implementations return an error matching ErrNotFound for absent entries.
type Backend interface {
	Set(service, name, secret string) error
	Get(service, name string) (string, error)
	Delete(service, name string) error
}

// KeyringBackend stores secrets in the platform credential store: the
// macOS Keychain, the Windows Credential Manager or the freedesktop Secret
// Service on Linux.
type KeyringBackend struct{}

func (KeyringBackend) Set(service, name, secret string) error {
	return keyring.Set(service, name, secret)
}

func (KeyringBackend) Get(service, name string) (string, error) {
	secret, err := keyring.Get(service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return secret, err
}

func (KeyringBackend) Delete(service, name string) error {
	err := keyring.Delete(service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// MemoryBackend keeps secrets in process memory. Nothing survives a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: make(map[string]string)}
}

func (m *MemoryBackend) Set(service, name, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[service+"/"+name] = secret
	return nil
}

func (m *MemoryBackend) Get(service, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[service+"/"+name]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

func (m *MemoryBackend) Delete(service, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := service + "/" + name
	if _, ok := m.secrets[key]; !ok {
		return ErrNotFound
	}
	delete(m.secrets, key)
	return nil
}

// NewBackend returns the backend registered under kind. dataDir is only
// used by the file backend.
func NewBackend(kind, dataDir string) (Backend, error) {
	switch kind {
	case "", BackendKeyring:
		return KeyringBackend{}, nil
	case BackendFile:
		return NewFileBackend(dataDir)
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", kind)
	}
}
