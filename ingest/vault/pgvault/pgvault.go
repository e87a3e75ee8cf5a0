// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgvault stores tenant secrets in the control database,
// encrypted at rest with AES-GCM under a process-provided master key.
package pgvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/inlet/ingest/vault"
	"storj.io/inlet/shared/tagsql"
)

var (
	mon = monkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("pgvault")
)

// Vault implements vault.Vault on the control database.
type Vault struct {
	log  *zap.Logger
	db   tagsql.DB
	aead cipher.AEAD
}

var _ vault.Vault = (*Vault)(nil)

// New creates a Vault. The key is hex-encoded and must decode to 32
// bytes.
func New(log *zap.Logger, db tagsql.DB, hexKey string) (*Vault, error) {
	if hexKey == "" {
		return nil, Error.New("vault key is not configured")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, Error.New("vault key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, Error.New("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Vault{log: log, db: db, aead: aead}, nil
}

// GetSecret implements vault.Vault.
func (v *Vault) GetSecret(ctx context.Context, path string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var nonce, ciphertext []byte
	err = v.db.QueryRowContext(ctx, `
		SELECT nonce, ciphertext FROM vault_secrets WHERE path = $1
	`, path).Scan(&nonce, &ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", vault.ErrNotFound.New("%s", path)
	}
	if err != nil {
		return "", Error.Wrap(err)
	}

	// The path binds the ciphertext to its row, so a swapped row fails
	// authentication instead of decrypting to the wrong secret.
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, []byte(path))
	if err != nil {
		return "", Error.New("secret at %s failed authentication: %w", path, err)
	}
	return string(plaintext), nil
}

// PutSecret implements vault.Vault.
func (v *Vault) PutSecret(ctx context.Context, path, value string) (err error) {
	defer mon.Task()(&ctx)(&err)

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Error.Wrap(err)
	}
	ciphertext := v.aead.Seal(nil, nonce, []byte(value), []byte(path))

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO vault_secrets (path, nonce, ciphertext, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (path) DO UPDATE
		SET nonce = EXCLUDED.nonce,
		    ciphertext = EXCLUDED.ciphertext,
		    updated_at = EXCLUDED.updated_at
	`, path, nonce, ciphertext)
	return Error.Wrap(err)
}

// DeleteSecret implements vault.Vault.
func (v *Vault) DeleteSecret(ctx context.Context, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = v.db.ExecContext(ctx, `DELETE FROM vault_secrets WHERE path = $1`, path)
	return Error.Wrap(err)
}
