// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc

package credentials

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

const (
	dirPerm  = 0700 // User-only directory permissions
	filePerm = 0600 // User-only file permissions
)

// FileBackend stores each secret in its own user-only file. It is meant for
// hosts without a running secret service (headless Linux, containers).
type FileBackend struct {
	DataDir string // XDG_DATA_HOME/desktopauth/credentials
}

// NewFileBackend creates the backend rooted at dataDir, defaulting to the
// XDG data directory.
func NewFileBackend(dataDir string) (*FileBackend, error) {
	if dataDir == "" {
		dataDir = filepath.Join(xdg.DataHome, "desktopauth")
	}
	dataDir = filepath.Join(dataDir, "credentials")

	if err := os.MkdirAll(dataDir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}

	return &FileBackend{DataDir: dataDir}, nil
}

// entryPath maps service and name to a file path, escaping anything that
// could leave the data directory.
func (f *FileBackend) entryPath(service, name string) (string, error) {
	if service == "" || name == "" {
		return "", errors.New("service and entry name are required")
	}
	svc := url.PathEscape(service)
	entry := url.PathEscape(name)
	if strings.HasPrefix(svc, ".") || strings.HasPrefix(entry, ".") {
		return "", fmt.Errorf("invalid entry name %q", name)
	}
	return filepath.Join(f.DataDir, svc, entry), nil
}

// Set stores the secret with an atomic write
func (f *FileBackend) Set(service, name, secret string) error {
	path, err := f.entryPath(service, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("creating service directory: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(secret), filePerm); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath) //nolint:errcheck // Clean up temp file on error
		return fmt.Errorf("renaming credential file: %w", err)
	}

	return nil
}

// Get reads a secret from disk
func (f *FileBackend) Get(service, name string) (string, error) {
	path, err := f.entryPath(service, name)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading credential file: %w", err)
	}

	return string(data), nil
}

// Delete removes a secret file
func (f *FileBackend) Delete(service, name string) error {
	path, err := f.entryPath(service, name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting credential file: %w", err)
	}

	return nil
}
