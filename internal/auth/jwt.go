package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleJWKSURL serves the signing keys for Pub/Sub push OIDC tokens.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const googleIssuer = "https://accounts.google.com"

// PushVerifier validates the OIDC bearer token Google attaches to
// Pub/Sub push requests. Keys are cached with background refresh so
// verification on the webhook hot path never waits on a JWKS fetch.
type PushVerifier struct {
	jwksURL    string
	audience   string
	cache      *jwk.Cache
	keySet     jwk.Set
	keySetMu   sync.RWMutex
	refreshTTL time.Duration
}

// NewPushVerifier creates a verifier expecting tokens for the given
// audience (the push endpoint URL configured on the subscription).
func NewPushVerifier(jwksURL, audience string) (*PushVerifier, error) {
	v := &PushVerifier{
		jwksURL:    jwksURL,
		audience:   audience,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()

	return v, nil
}

func (v *PushVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *PushVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMu.Lock()
			v.keySet = keySet
			v.keySetMu.Unlock()
		}
		// Errors are transient; the next tick retries.
	}
}

func (v *PushVerifier) getKeySet() jwk.Set {
	v.keySetMu.RLock()
	defer v.keySetMu.RUnlock()
	return v.keySet
}

// VerifyRequest checks the Authorization bearer token of a push
// request: signature against the cached key set, expiry, issuer, and
// audience.
func (v *PushVerifier) VerifyRequest(r *http.Request) error {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
		jwt.WithIssuer(googleIssuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return fmt.Errorf("parse push token: %w", err)
	}
	if token.Subject() == "" {
		return fmt.Errorf("push token missing subject")
	}
	return nil
}
