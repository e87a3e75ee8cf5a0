// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package oauth refreshes provider access tokens through an exclusive
// per-tenant critical section, so concurrent workers never race a one-shot
// refresh token.
package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
	"storj.io/inlet/ingest/vault"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("oauth")

// SuffixTokenExpiresAt is the tenant config key suffix holding the access
// token expiry as RFC 3339.
const SuffixTokenExpiresAt = "TOKEN_EXPIRES_AT"

// refreshWait is the fixed backoff handed out when the token endpoint is
// unreachable, long enough to ride out a provider blip and hand refresh
// storms back to the queue.
const refreshWait = 35 * time.Second

// AccessTokenName is the vault entry name of the access token.
func AccessTokenName(src source.Source) string { return syncstate.PrefixFor(src) + "_ACCESS_TOKEN" }

// RefreshTokenName is the vault entry name of the refresh token.
func RefreshTokenName(src source.Source) string {
	return syncstate.PrefixFor(src) + "_REFRESH_TOKEN"
}

// ClientIDName is the vault entry name of the OAuth client id.
func ClientIDName(src source.Source) string { return syncstate.PrefixFor(src) + "_CLIENT_ID" }

// ClientSecretName is the vault entry name of the OAuth client secret.
func ClientSecretName(src source.Source) string {
	return syncstate.PrefixFor(src) + "_CLIENT_SECRET"
}

// APIKeyName is the vault entry name of a static API key.
func APIKeyName(src source.Source) string { return syncstate.PrefixFor(src) + "_API_KEY" }

// State is the tenant config visible inside an exclusive section.
type State interface {
	Value(ctx context.Context, key string) (_ string, found bool, err error)
	SetValue(ctx context.Context, key, value string) error
}

// Store provides tenant config reads and the advisory-locked exclusive
// section the refresh runs in. Writes made inside Exclusive commit together
// with the lock release.
type Store interface {
	Value(ctx context.Context, tenant uuid.UUID, key string) (_ string, found bool, err error)
	Exclusive(ctx context.Context, tenant uuid.UUID, name string, fn func(ctx context.Context, state State) error) error
}

// Provider describes the refresh endpoint of one OAuth source. Sources
// without a Provider entry authenticate with static API keys and are never
// refreshed.
type Provider struct {
	Source source.Source
	// TokenURL is the default token endpoint; tenants override it through
	// the <PREFIX>_TOKEN_URL config key (self-hosted GitLab, Salesforce
	// sandboxes).
	TokenURL string
	// RotatesRefreshToken notes that the provider may return a new refresh
	// token with every refresh. Canva always does, Pipedrive sometimes;
	// the response decides either way.
	RotatesRefreshToken bool
	// DefaultValidity applies when the response carries no expires_in.
	DefaultValidity time.Duration
	// ExpiryBuffer is how close to expiry a token may get before it is
	// refreshed.
	ExpiryBuffer time.Duration
}

// DefaultProviders returns the refresh endpoints of the OAuth sources.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Source:          source.Salesforce,
			TokenURL:        "https://login.salesforce.com/services/oauth2/token",
			DefaultValidity: 55 * time.Minute,
			ExpiryBuffer:    5 * time.Minute,
		},
		{
			Source:          source.GitLabMR,
			TokenURL:        "https://gitlab.com/oauth/token",
			DefaultValidity: 2 * time.Hour,
			ExpiryBuffer:    5 * time.Minute,
		},
		{
			Source:              source.CanvaDesign,
			TokenURL:            "https://api.canva.com/rest/v1/oauth/token",
			RotatesRefreshToken: true,
			DefaultValidity:     4 * time.Hour,
			ExpiryBuffer:        10 * time.Minute,
		},
		{
			Source:              source.PipedriveDeal,
			TokenURL:            "https://oauth.pipedrive.com/oauth/token",
			RotatesRefreshToken: true,
			DefaultValidity:     time.Hour,
			ExpiryBuffer:        10 * time.Minute,
		},
		{
			Source:          source.FigmaFile,
			TokenURL:        "https://www.figma.com/api/oauth/refresh",
			DefaultValidity: 24 * time.Hour,
			ExpiryBuffer:    time.Hour,
		},
	}
}

// Refresher resolves the current credential of a tenant connection,
// refreshing OAuth tokens when they approach expiry. It implements
// connector.TokenSource.
type Refresher struct {
	log       *zap.Logger
	vault     *vault.Cache
	store     Store
	http      *http.Client
	providers map[source.Source]Provider

	// now is swapped in tests.
	now func() time.Time
}

// NewRefresher creates a Refresher with the given providers.
func NewRefresher(log *zap.Logger, secrets *vault.Cache, store Store, httpClient *http.Client, providers []Provider) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: connector.DefaultTimeout}
	}
	bysource := make(map[source.Source]Provider, len(providers))
	for _, prov := range providers {
		bysource[prov.Source] = prov
	}
	return &Refresher{
		log:       log,
		vault:     secrets,
		store:     store,
		http:      httpClient,
		providers: bysource,
		now:       time.Now,
	}
}

// AccessToken returns the tenant's current credential for src: the static
// API key for key-based sources, the access token for OAuth sources,
// refreshed first when it is about to expire.
func (refresher *Refresher) AccessToken(ctx context.Context, tenant uuid.UUID, src source.Source) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	prov, ok := refresher.providers[src]
	if !ok {
		return refresher.vault.GetSecret(ctx, vault.APIKeyPath(tenant, APIKeyName(src)))
	}

	fresh, err := refresher.tokenFresh(ctx, refresher.store.Value, tenant, src, prov)
	if err != nil {
		return "", err
	}
	if !fresh {
		if err := refresher.Refresh(ctx, tenant, src); err != nil {
			return "", err
		}
	}
	return refresher.vault.GetSecret(ctx, vault.APIKeyPath(tenant, AccessTokenName(src)))
}

// Refresh rotates the tenant's access token under the connection's
// advisory lock. When another worker finished the refresh first, the
// re-read inside the lock detects it and no provider call is made.
func (refresher *Refresher) Refresh(ctx context.Context, tenant uuid.UUID, src source.Source) (err error) {
	defer mon.Task()(&ctx)(&err)

	prov, ok := refresher.providers[src]
	if !ok {
		return Error.New("source %q does not use oauth", src)
	}

	lockName := tenant.String() + ":" + string(src) + ":token_refresh"
	return refresher.store.Exclusive(ctx, tenant, lockName, func(ctx context.Context, state State) error {
		scoped := func(ctx context.Context, _ uuid.UUID, key string) (string, bool, error) {
			return state.Value(ctx, key)
		}
		fresh, err := refresher.tokenFresh(ctx, scoped, tenant, src, prov)
		if err != nil {
			return err
		}
		if fresh {
			mon.Event("oauth_refresh_already_done")
			return nil
		}
		return refresher.refreshLocked(ctx, tenant, src, prov, state)
	})
}

type valueFunc func(ctx context.Context, tenant uuid.UUID, key string) (string, bool, error)

func (refresher *Refresher) tokenFresh(ctx context.Context, value valueFunc, tenant uuid.UUID, src source.Source, prov Provider) (bool, error) {
	raw, found, err := value(ctx, tenant, syncstate.Key(syncstate.PrefixFor(src), SuffixTokenExpiresAt))
	if err != nil {
		return false, Error.Wrap(err)
	}
	if !found {
		return false, nil
	}
	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		refresher.log.Warn("unreadable token expiry, forcing refresh",
			zap.Stringer("tenant", tenant), zap.String("source", string(src)))
		return false, nil
	}
	return expiresAt.Sub(refresher.now()) > prov.ExpiryBuffer, nil
}

// tokenResponse is the provider's refresh grant response.
type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
}

func (refresher *Refresher) refreshLocked(ctx context.Context, tenant uuid.UUID, src source.Source, prov Provider, state State) error {
	refreshToken, err := refresher.vault.GetSecret(ctx, vault.APIKeyPath(tenant, RefreshTokenName(src)))
	if err != nil {
		return Error.Wrap(err)
	}
	clientID, err := refresher.vault.GetSecret(ctx, vault.APIKeyPath(tenant, ClientIDName(src)))
	if err != nil {
		return Error.Wrap(err)
	}
	clientSecret, err := refresher.vault.GetSecret(ctx, vault.APIKeyPath(tenant, ClientSecretName(src)))
	if err != nil {
		return Error.Wrap(err)
	}

	tokenURL := prov.TokenURL
	if override, found, err := state.Value(ctx, syncstate.Key(syncstate.PrefixFor(src), "TOKEN_URL")); err != nil {
		return Error.Wrap(err)
	} else if found && override != "" {
		tokenURL = override
	}

	token, err := refresher.requestToken(ctx, tokenURL, clientID, clientSecret, refreshToken)
	if err != nil {
		return err
	}

	// Vault writes precede the expiry commit. If the process dies between
	// them, the next refresh re-runs with the rotated refresh token
	// already persisted, so a one-shot token is never lost.
	if err := refresher.vault.PutSecret(ctx, vault.APIKeyPath(tenant, AccessTokenName(src)), token.AccessToken); err != nil {
		return Error.Wrap(err)
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if err := refresher.vault.PutSecret(ctx, vault.APIKeyPath(tenant, RefreshTokenName(src)), token.RefreshToken); err != nil {
			return Error.Wrap(err)
		}
	}

	validity := prov.DefaultValidity
	if token.ExpiresIn > 0 {
		validity = time.Duration(token.ExpiresIn) * time.Second
	}
	expiresAt := refresher.now().Add(validity).UTC().Format(time.RFC3339)
	if err := state.SetValue(ctx, syncstate.Key(syncstate.PrefixFor(src), SuffixTokenExpiresAt), expiresAt); err != nil {
		return Error.Wrap(err)
	}

	mon.Event("oauth_refresh_performed")
	refresher.log.Info("access token refreshed",
		zap.Stringer("tenant", tenant),
		zap.String("source", string(src)),
		zap.String("expires_at", expiresAt))
	return nil
}

func (refresher *Refresher) requestToken(ctx context.Context, tokenURL, clientID, clientSecret, refreshToken string) (_ tokenResponse, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := refresher.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tokenResponse{}, ctx.Err()
		}
		mon.Event("oauth_refresh_unreachable")
		return tokenResponse{}, &ratelimit.RateLimitedError{RetryAfter: refreshWait, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden:
		// Terminal: the grant itself is dead, an operator has to reconnect.
		mon.Event("oauth_refresh_rejected")
		return tokenResponse{}, connector.ErrAuthFailed.New("token refresh rejected with status %d", resp.StatusCode)
	default:
		mon.Event("oauth_refresh_unavailable")
		return tokenResponse{}, &ratelimit.RateLimitedError{
			RetryAfter: refreshWait,
			Err:        Error.New("token endpoint status %d", resp.StatusCode),
		}
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return tokenResponse{}, Error.New("decoding token response: %w", err)
	}
	if token.AccessToken == "" {
		return tokenResponse{}, Error.New("token response carried no access token")
	}
	return token, nil
}
