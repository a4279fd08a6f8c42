// Package sso refreshes per-principal OAuth2 access tokens against the EVE
// SSO token endpoint. It is the only code path that mutates stored
// credentials.
package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/howpoorru/howpoorru/internal/store"
)

// refreshMargin is how close to expiry a token may get before it is
// exchanged. Upstream calls made with less margin risk expiring mid-walk.
const refreshMargin = 30 * time.Second

// Config carries the application's SSO registration.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Manager exchanges refresh tokens for fresh bundles.
type Manager struct {
	oauth *oauth2.Config
	now   func() time.Time
	log   zerolog.Logger
}

func NewManager(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		now: time.Now,
		log: log,
	}
}

// Refresh returns a bundle valid for at least refreshMargin, exchanging the
// refresh token when the stored one is about to expire. refreshed tells the
// caller whether the returned bundle must be persisted. Any upstream or
// transport failure means "cannot refresh now": the caller skips the
// principal for this cycle and mutates nothing.
func (m *Manager) Refresh(ctx context.Context, b store.TokenBundle) (store.TokenBundle, bool, error) {
	if m.now().Add(refreshMargin).Before(b.ExpiresAt) {
		return b, false, nil
	}

	src := m.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: b.RefreshToken,
		// Expiry in the past forces TokenSource to hit the endpoint.
		Expiry: m.now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return store.TokenBundle{}, false, fmt.Errorf("sso: refresh token exchange: %w", err)
	}

	next := store.TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if next.RefreshToken == "" {
		// The endpoint may omit the refresh token when it is unchanged.
		next.RefreshToken = b.RefreshToken
	}
	m.log.Debug().Time("expires_at", next.ExpiresAt).Msg("access token refreshed")
	return next, true, nil
}
