// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testvault implements an in-memory vault for tests.
package testvault

import (
	"context"
	"sync"

	"storj.io/inlet/ingest/vault"
)

// Vault is an in-memory vault.Vault that records writes.
type Vault struct {
	mu      sync.Mutex
	secrets map[string]string
	puts    []string
}

// New creates an empty test vault.
func New() *Vault {
	return &Vault{secrets: map[string]string{}}
}

// GetSecret implements vault.Vault.
func (v *Vault) GetSecret(ctx context.Context, path string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value, ok := v.secrets[path]
	if !ok {
		return "", vault.ErrNotFound.New("%s", path)
	}
	return value, nil
}

// PutSecret implements vault.Vault.
func (v *Vault) PutSecret(ctx context.Context, path, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[path] = value
	v.puts = append(v.puts, path)
	return nil
}

// DeleteSecret implements vault.Vault.
func (v *Vault) DeleteSecret(ctx context.Context, path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, path)
	return nil
}

// Puts returns the paths written so far, in order.
func (v *Vault) Puts() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.puts...)
}
