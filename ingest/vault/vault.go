// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package vault abstracts the external credentials vault.
//
// Secrets live under well-known per-tenant paths and are encrypted at rest
// by the vault itself. Values must never reach a log line unredacted.
package vault

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/source"
)

var (
	// Error is the default error class for vault operations.
	Error = errs.Class("vault")
	// ErrNotFound is returned when a secret does not exist.
	ErrNotFound = errs.Class("secret not found")
)

// Vault stores and retrieves tenant secrets.
type Vault interface {
	// GetSecret returns the secret at path, or ErrNotFound.
	GetSecret(ctx context.Context, path string) (string, error)
	// PutSecret stores the secret at path, replacing any previous value.
	PutSecret(ctx context.Context, path, value string) error
	// DeleteSecret removes the secret at path. Missing paths are not an error.
	DeleteSecret(ctx context.Context, path string) error
}

// APIKeyPath is the path of a bearer/API key or OAuth token secret.
func APIKeyPath(tenant uuid.UUID, name string) string {
	return "/" + tenant.String() + "/api-key/" + name
}

// SigningSecretPath is the path of a webhook HMAC secret.
func SigningSecretPath(tenant uuid.UUID, src source.Source) string {
	return "/" + tenant.String() + "/signing-secret/" + string(src)
}

// DBCredentialPath is the path of a tenant database URL.
func DBCredentialPath(tenant uuid.UUID, name string) string {
	return "/" + tenant.String() + "/db-credential/" + name
}

// Redacted masks a secret for logging. The output carries no information
// about the secret beyond whether it was empty.
func Redacted(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
