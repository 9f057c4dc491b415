// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/carabiner-dev/desktopauth/pkg/client/verifier"
)

const accountsFileName = "accounts.json"

// errNoAccount is returned when no user was given and none is signed in
var errNoAccount = errors.New("no signed-in account (run 'desktopauth login' first)")

// AccountInfo records a user that signed in on this machine. Tokens live
// in the credential store, never here.
type AccountInfo struct {
	UID        string    `json:"uid"`
	Email      string    `json:"email,omitempty"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// Accounts is the index of signed-in users
type Accounts struct {
	Users   map[string]*AccountInfo `json:"users"`
	Default string                  `json:"default,omitempty"`

	path string
}

// loadAccounts reads the index from dir. A missing file is an empty index.
func loadAccounts(dir string) (*Accounts, error) {
	path := filepath.Join(dir, accountsFileName)
	accounts := &Accounts{Users: map[string]*AccountInfo{}, path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return accounts, nil
		}
		return nil, fmt.Errorf("reading accounts index: %w", err)
	}

	if err := json.Unmarshal(data, accounts); err != nil {
		return nil, fmt.Errorf("parsing accounts index: %w", err)
	}
	if accounts.Users == nil {
		accounts.Users = map[string]*AccountInfo{}
	}
	return accounts, nil
}

// save writes the index atomically
func (a *Accounts) save() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling accounts index: %w", err)
	}

	tempPath := a.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("writing accounts index: %w", err)
	}
	if err := os.Rename(tempPath, a.path); err != nil {
		os.Remove(tempPath) //nolint:errcheck
		return fmt.Errorf("renaming accounts index: %w", err)
	}
	return nil
}

// remember records a signed-in user and makes it the default
func (a *Accounts) remember(profile verifier.UserProfile, now time.Time) {
	a.Users[profile.UID] = &AccountInfo{
		UID:        profile.UID,
		Email:      profile.Email,
		SignedInAt: now,
	}
	a.Default = profile.UID
}

// forget drops a user. When it was the default, the most recently signed
// in remaining user takes its place.
func (a *Accounts) forget(uid string) {
	delete(a.Users, uid)
	if a.Default != uid {
		return
	}
	a.Default = ""
	var latest *AccountInfo
	for _, info := range a.Users {
		if latest == nil || info.SignedInAt.After(latest.SignedInAt) {
			latest = info
		}
	}
	if latest != nil {
		a.Default = latest.UID
	}
}

// resolve maps a --user value to a uid. Empty means the default account;
// anything else matches a uid or an email.
func (a *Accounts) resolve(user string) (string, error) {
	if user == "" {
		if a.Default == "" {
			return "", errNoAccount
		}
		return a.Default, nil
	}
	if _, ok := a.Users[user]; ok {
		return user, nil
	}
	for _, uid := range a.uids() {
		if a.Users[uid].Email == user {
			return uid, nil
		}
	}
	// Unknown users may still have credentials from another index
	return user, nil
}

func (a *Accounts) uids() []string {
	uids := make([]string, 0, len(a.Users))
	for uid := range a.Users {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}
