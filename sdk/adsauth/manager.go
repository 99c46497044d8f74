package adsauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/adkit-go/adkit/internal/auth/lwa"
)

// defaultRefreshLead is how close to expiry an access token may get before it
// is refreshed ahead of use.
const defaultRefreshLead = 5 * time.Minute

// TokenManager answers "give me a usable access token for region X". It
// refreshes only when the stored token is absent or within the refresh lead
// of its expiry, and collapses concurrent refresh attempts for the same
// region into a single network call.
type TokenManager struct {
	store  TokenStore
	client *lwa.Client

	refreshLead time.Duration
	group       singleflight.Group
	now         func() time.Time

	// tokenEndpoint overrides the region token endpoint when set. Used for
	// the provider sandbox and in tests.
	tokenEndpoint string
}

// TokenManagerOption customizes a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithRefreshLead overrides the default 5 minute expiry lead.
func WithRefreshLead(lead time.Duration) TokenManagerOption {
	return func(m *TokenManager) {
		if lead > 0 {
			m.refreshLead = lead
		}
	}
}

// WithTokenEndpoint routes all token endpoint calls to url instead of the
// per-region endpoints. Intended for the provider sandbox and tests.
func WithTokenEndpoint(url string) TokenManagerOption {
	return func(m *TokenManager) {
		m.tokenEndpoint = url
	}
}

// withClock overrides the manager's time source in tests.
func withClock(now func() time.Time) TokenManagerOption {
	return func(m *TokenManager) {
		m.now = now
	}
}

// NewTokenManager creates a token lifecycle manager backed by store, using
// client for token endpoint calls.
func NewTokenManager(store TokenStore, client *lwa.Client, opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		store:       store,
		client:      client,
		refreshLead: defaultRefreshLead,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// tokenURL resolves the token endpoint for a region.
func (m *TokenManager) tokenURL(region Region) string {
	if m.tokenEndpoint != "" {
		return m.tokenEndpoint
	}
	return region.TokenEndpoint()
}

// GetAccessToken returns a usable access token for the region, refreshing it
// first when it is missing or within the refresh lead of expiry. Concurrent
// callers for the same region trigger at most one refresh.
func (m *TokenManager) GetAccessToken(ctx context.Context, region Region) (string, error) {
	needsRefresh, err := m.needsRefresh(ctx, region)
	if err != nil {
		return "", err
	}

	if needsRefresh {
		if err = m.refreshIfNeeded(ctx, region); err != nil {
			return "", err
		}
	}

	token, err := m.store.Retrieve(ctx, region, KeyAccessToken)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNoAccessToken
	}
	if err != nil {
		return "", wrapStorage("retrieve", err)
	}
	return token, nil
}

// needsRefresh reports whether the stored expiry is absent, unparseable, or
// within the refresh lead of now.
func (m *TokenManager) needsRefresh(ctx context.Context, region Region) (bool, error) {
	expiryStr, err := m.store.Retrieve(ctx, region, KeyTokenExpiry)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, wrapStorage("retrieve", err)
	}

	expiry, err := time.Parse(time.RFC3339, expiryStr)
	if err != nil {
		log.Warnf("stored token expiry for region %s is unreadable, forcing refresh: %v", region, err)
		return true, nil
	}

	return expiry.Sub(m.now()) < m.refreshLead, nil
}

// refreshIfNeeded refreshes the region's tokens unless the stored expiry is
// already outside the refresh lead. The expiry is re-checked inside the
// flight: a caller whose refresh decision went stale while a concurrent
// refresh ran to completion sees the freshly persisted expiry and skips the
// network call instead of repeating it.
func (m *TokenManager) refreshIfNeeded(ctx context.Context, region Region) error {
	_, err, _ := m.group.Do(string(region), func() (interface{}, error) {
		needed, err := m.needsRefresh(ctx, region)
		if err != nil || !needed {
			return nil, err
		}
		return nil, m.refresh(ctx, region)
	})
	return err
}

// RefreshToken exchanges the stored refresh token for new token material and
// persists it. Refreshes for the same region are mutually exclusive: a caller
// observing an in-flight refresh awaits its result instead of issuing a
// duplicate network call.
func (m *TokenManager) RefreshToken(ctx context.Context, region Region) error {
	_, err, _ := m.group.Do(string(region), func() (interface{}, error) {
		return nil, m.refresh(ctx, region)
	})
	return err
}

// refresh performs the actual refresh network call and persistence.
func (m *TokenManager) refresh(ctx context.Context, region Region) error {
	refreshToken, err := m.store.Retrieve(ctx, region, KeyRefreshToken)
	if errors.Is(err, ErrNotFound) {
		return ErrNoRefreshToken
	}
	if err != nil {
		return wrapStorage("retrieve", err)
	}

	tokens, err := m.client.RefreshTokens(ctx, m.tokenURL(region), refreshToken)
	if err != nil {
		return err
	}

	log.Debugf("refreshed access token for region %s, expires %s", region, tokens.Expire.Format(time.RFC3339))
	return m.persist(ctx, region, tokens)
}

// ExchangeCode exchanges an authorization code received through the callback
// for tokens and persists them. The verifier and redirect URI must be the
// ones used when the authorization URL was built.
func (m *TokenManager) ExchangeCode(ctx context.Context, region Region, code, redirectURI, codeVerifier string) error {
	tokens, err := m.client.ExchangeCode(ctx, m.tokenURL(region), code, redirectURI, codeVerifier)
	if err != nil {
		return fmt.Errorf("code exchange failed: %w", err)
	}

	log.Debugf("exchanged authorization code for region %s, expires %s", region, tokens.Expire.Format(time.RFC3339))
	return m.persist(ctx, region, tokens)
}

// persist writes new token material to the store. The refresh token is only
// replaced when the provider returned one; providers do not guarantee
// rotation.
func (m *TokenManager) persist(ctx context.Context, region Region, tokens *lwa.TokenData) error {
	if err := m.store.Save(ctx, region, KeyAccessToken, tokens.AccessToken); err != nil {
		return wrapStorage("save", err)
	}
	if tokens.RefreshToken != "" {
		if err := m.store.Save(ctx, region, KeyRefreshToken, tokens.RefreshToken); err != nil {
			return wrapStorage("save", err)
		}
	}
	if err := m.store.Save(ctx, region, KeyTokenExpiry, tokens.Expire.Format(time.RFC3339)); err != nil {
		return wrapStorage("save", err)
	}
	return nil
}

// IsAuthenticated reports whether both access and refresh tokens exist in the
// store for the region.
func (m *TokenManager) IsAuthenticated(ctx context.Context, region Region) bool {
	hasAccess, err := m.store.Exists(ctx, region, KeyAccessToken)
	if err != nil || !hasAccess {
		return false
	}
	hasRefresh, err := m.store.Exists(ctx, region, KeyRefreshToken)
	return err == nil && hasRefresh
}

// Logout removes all token material for the region.
func (m *TokenManager) Logout(ctx context.Context, region Region) error {
	return wrapStorage("delete-all", m.store.DeleteAll(ctx, region))
}
