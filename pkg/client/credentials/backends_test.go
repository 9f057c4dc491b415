// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestBackends(t *testing.T) {
	keyring.MockInit()

	fileBackend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error: %v", err)
	}

	backends := map[string]Backend{
		"keyring": KeyringBackend{},
		"file":    fileBackend,
		"memory":  NewMemoryBackend(),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			if _, err := backend.Get("svc", "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() on missing entry = %v, want ErrNotFound", err)
			}

			if err := backend.Set("svc", "uid_id_token", "secret-1"); err != nil {
				t.Fatalf("Set() error: %v", err)
			}
			if err := backend.Set("svc", "uid_id_token", "secret-2"); err != nil {
				t.Fatalf("Set() overwrite error: %v", err)
			}

			got, err := backend.Get("svc", "uid_id_token")
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if got != "secret-2" {
				t.Errorf("Get() = %q, want %q", got, "secret-2")
			}

			if err := backend.Delete("svc", "uid_id_token"); err != nil {
				t.Errorf("Delete() error: %v", err)
			}
			if err := backend.Delete("svc", "uid_id_token"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second Delete() = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileBackendPermissions(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error: %v", err)
	}

	if err := backend.Set("com.example", "user_refresh_token", "rt"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	info, err := os.Stat(filepath.Join(backend.DataDir, "com.example", "user_refresh_token"))
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if perm := info.Mode().Perm(); perm != filePerm {
		t.Errorf("file mode = %o, want %o", perm, filePerm)
	}
}

func TestFileBackendRejectsTraversal(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error: %v", err)
	}

	for _, name := range []string{"..", "../escape", "."} {
		if err := backend.Set("svc", name, "x"); err == nil {
			t.Errorf("Set(%q) expected error, got nil", name)
		}
	}

	// Slashes are escaped into a single file name
	if err := backend.Set("svc", "a/b", "x"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backend.DataDir, "svc", "a%2Fb")); err != nil {
		t.Errorf("escaped entry not found: %v", err)
	}
}

func TestNewBackend(t *testing.T) {
	for _, tc := range []struct {
		kind    string
		wantErr bool
	}{
		{"", false},
		{BackendKeyring, false},
		{BackendFile, false},
		{BackendMemory, false},
		{"vault", true},
	} {
		t.Run(tc.kind, func(t *testing.T) {
			_, err := NewBackend(tc.kind, t.TempDir())
			if (err != nil) != tc.wantErr {
				t.Errorf("NewBackend(%q) error = %v, wantErr %v", tc.kind, err, tc.wantErr)
			}
		})
	}
}
