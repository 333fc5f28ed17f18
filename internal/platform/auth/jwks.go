package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrSigningKeyUnknown      = errors.New("auth: signing key not in key set")
	ErrSigningKeysUnavailable = errors.New("auth: signing keys unavailable")
)

// unknownKidCooldown limits refetches triggered by tokens carrying a kid we have never seen.
const unknownKidCooldown = 30 * time.Second

// keySnapshot is an immutable view of one fetched key set.
type keySnapshot struct {
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
	expiry    time.Time
}

func (s *keySnapshot) stale(now time.Time) bool {
	return s == nil || !now.Before(s.expiry)
}

// halfLife reports whether half the advertised validity has passed.
func (s *keySnapshot) halfLife(now time.Time) bool {
	return s != nil && !now.Before(s.fetchedAt.Add(s.expiry.Sub(s.fetchedAt)/2))
}

// JWKSConfig configures a JWKSCache. Only URL is required.
type JWKSConfig struct {
	URL    string
	Client *http.Client
	Logger *zap.Logger
	Clock  func() time.Time
	// FallbackTTL applies when the response carries neither max-age nor Expires. Defaults to 15m.
	FallbackTTL time.Duration
	// FetchTimeout bounds a single download. Defaults to 5s.
	FetchTimeout time.Duration
	// Foreground disables the early refresh once half the validity has passed.
	Foreground bool
}

// JWKSCache holds Google's signing keys. Readers never block on a lock: the current key set is an
// atomic snapshot, and concurrent refreshes collapse into a single HTTP fetch.
type JWKSCache struct {
	cfg     JWKSConfig
	current atomic.Pointer[keySnapshot]
	fetches singleflight.Group
}

// NewJWKSCache fills the zero fields of cfg. Nothing is fetched until the first lookup.
func NewJWKSCache(cfg JWKSConfig) *JWKSCache {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = 15 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &JWKSCache{cfg: cfg}
}

// Keyfunc adapts the cache to jwt.Parse. Only RS256 tokens with a kid are accepted.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, rsa := token.Method.(*jwt.SigningMethodRSA); !rsa || token.Method.Alg() != "RS256" {
			return nil, fmt.Errorf("auth: signing method %v not accepted", token.Header["alg"])
		}
		if kid, _ := token.Header["kid"].(string); kid != "" {
			return c.Key(ctx, kid)
		}
		return nil, errors.New("auth: token header has no kid")
	}
}

// Key resolves the public key for kid. A stale set is refetched inline; a set past half its
// lifetime is refreshed in the background; an unknown kid triggers one refetch per cooldown.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.cfg.Clock()
	snap := c.current.Load()
	if snap.stale(now) {
		var err error
		if snap, err = c.fetch(ctx); err != nil {
			return nil, err
		}
	} else if !c.cfg.Foreground && snap.halfLife(now) {
		go func() {
			if _, err := c.fetch(context.Background()); err != nil {
				c.cfg.Logger.Warn("jwks background refresh failed", zap.Error(err))
			}
		}()
	}

	if jwk, ok := snap.keys[kid]; ok {
		return jwk.Key, nil
	}
	if now.Sub(snap.fetchedAt) >= unknownKidCooldown {
		refreshed, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if jwk, ok := refreshed.keys[kid]; ok {
			return jwk.Key, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSigningKeyUnknown, kid)
}

// fetch downloads the key set, sharing one request among concurrent callers.
func (c *JWKSCache) fetch(ctx context.Context) (*keySnapshot, error) {
	ch := c.fetches.DoChan("jwks", func() (any, error) {
		// Detached so one caller giving up does not fail the others waiting on the same fetch.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		snap, err := c.download(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.current.Store(snap)
		c.cfg.Logger.Debug("jwks refreshed", zap.Int("keys", len(snap.keys)), zap.Time("expiry", snap.expiry))
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSigningKeysUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySnapshot), nil
	}
}

func (c *JWKSCache) download(ctx context.Context) (*keySnapshot, error) {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrSigningKeysUnavailable}, args...)...)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, fail("%v", err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, fail("%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fail("status %d from %s", resp.StatusCode, c.cfg.URL)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fail("decode key set: %v", err)
	}
	keys := make(map[string]jose.JSONWebKey, len(doc.Keys))
	for _, key := range doc.Keys {
		if key.KeyID != "" && key.Valid() && key.IsPublic() {
			keys[key.KeyID] = key
		}
	}
	if len(keys) == 0 {
		return nil, fail("no usable public keys")
	}

	now := c.cfg.Clock()
	return &keySnapshot{keys: keys, fetchedAt: now, expiry: now.Add(c.validity(resp.Header, now))}, nil
}

// validity prefers Cache-Control max-age, then Expires, then the configured interval.
func (c *JWKSCache) validity(h http.Header, now time.Time) time.Duration {
	if maxAge := parseMaxAge(h.Get("Cache-Control")); maxAge > 0 {
		return maxAge
	}
	if ts, err := http.ParseTime(h.Get("Expires")); err == nil && ts.After(now) {
		return ts.Sub(now)
	}
	return c.cfg.FallbackTTL
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
