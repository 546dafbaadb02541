// Package tokenbroker implements acquiring and caching service tokens
// via the OAuth2 client-credentials grant, and validating inbound
// bearer tokens by inspecting their claims (no signature verification —
// the issuing platform is trusted and the broker only checks audience,
// issuer, tenant, and expiry).
package tokenbroker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/ssmanji89/emailprocer/pkg/apperrors"
	"github.com/ssmanji89/emailprocer/pkg/cache"
	"github.com/ssmanji89/emailprocer/pkg/config"
)

// tokenCacheName is the single cache key under which the active
// client-credentials token is stored; the broker acquires one service
// token for the whole process, not one per caller.
const tokenCacheName = "service"

// expirySafetyMargin is subtracted from a token's remaining lifetime
// before it is cached, so GetToken never hands back a token that is
// valid by the cache's TTL alone but only seconds from expiry by the
// time a caller actually uses it against the live API.
const expirySafetyMargin = 5 * time.Minute

// SecurityRecorder is the subset of pkg/security's surface the broker
// needs to account failed validations toward the lockout policy.
type SecurityRecorder interface {
	RecordAuthFailure(ctx context.Context, identifier, reason string)
	RecordAuthSuccess(ctx context.Context, identifier string)
}

// Broker acquires and validates bearer tokens for the mail and chat
// gateways, which share one Azure AD application registration.
type Broker struct {
	cfg       config.AuthConfig
	cache     *cache.Cache
	security  SecurityRecorder
	oauthConf *clientcredentials.Config
	group     singleflight.Group
}

// New builds a Broker from auth configuration. cache and security may be
// nil (cache falls back to always-miss; security skips lockout accounting).
func New(cfg config.AuthConfig, c *cache.Cache, security SecurityRecorder) *Broker {
	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(cfg.Authority, "/"), cfg.TenantID)
	return &Broker{
		cfg:      cfg,
		cache:    c,
		security: security,
		oauthConf: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       cfg.Scopes,
		},
	}
}

// GetToken returns a cached service token, fetching a fresh one from the
// identity provider on a cache miss. Concurrent callers on a miss
// coalesce into a single token request via singleflight.
func (b *Broker) GetToken(ctx context.Context) (string, error) {
	if tok, ok := b.cache.GetToken(ctx, tokenCacheName); ok {
		return tok, nil
	}

	v, err, _ := b.group.Do(tokenCacheName, func() (any, error) {
		if tok, ok := b.cache.GetToken(ctx, tokenCacheName); ok {
			return tok, nil
		}
		return b.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh forces a new token request regardless of what's cached,
// bypassing the cache read (but still coalescing concurrent callers).
func (b *Broker) Refresh(ctx context.Context) (string, error) {
	v, err, _ := b.group.Do(tokenCacheName, func() (any, error) {
		return b.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Broker) fetchToken(ctx context.Context) (string, error) {
	tok, err := b.oauthConf.Token(ctx)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindAuthExpired, fmt.Errorf("tokenbroker: acquiring token: %w", err))
	}
	ttl := cacheTTL(time.Now(), tok.Expiry, b.cfg.TokenCacheTTL)
	if ttl > 0 {
		b.cache.PutToken(ctx, tokenCacheName, tok.AccessToken, ttl)
	}
	return tok.AccessToken, nil
}

// cacheTTL bounds the cache TTL configured for service tokens by how
// long this particular token actually has left, less a 5-minute safety
// margin, so a cached token is never handed back to a caller within
// striking distance of the identity provider rejecting it as expired.
// A non-positive result means the token must not be cached at all.
func cacheTTL(now, expiry time.Time, cfgTTL time.Duration) time.Duration {
	ttl := cfgTTL
	if remaining := expiry.Sub(now) - expirySafetyMargin; remaining < ttl {
		ttl = remaining
	}
	return ttl
}

// Claims is the subset of JWT claims the broker inspects.
type Claims struct {
	Audience  string
	Issuer    string
	TenantID  string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Validate parses a bearer token's claims (without verifying its
// signature — the platform that issued it is trusted) and checks
// audience, issuer prefix, tenant, and expiry against configuration.
// identifier is used only for lockout accounting (e.g. the caller's
// remote address or client id).
func (b *Broker) Validate(ctx context.Context, identifier, rawToken string) (Claims, error) {
	claims, err := b.parseClaims(rawToken)
	if err != nil {
		b.recordFailure(ctx, identifier, "malformed")
		return Claims{}, apperrors.Wrap(apperrors.KindMalformed, err)
	}

	now := time.Now().UTC()
	if now.After(claims.ExpiresAt) {
		b.recordFailure(ctx, identifier, "expired")
		return Claims{}, apperrors.Newf(apperrors.KindAuthExpired, "tokenbroker: token expired at %s", claims.ExpiresAt)
	}
	if claims.IssuedAt.After(now.Add(b.cfg.MaxClaimAge)) {
		b.recordFailure(ctx, identifier, "issued_in_future")
		return Claims{}, apperrors.Newf(apperrors.KindMalformed, "tokenbroker: token issued in the future")
	}
	if b.cfg.Audience != "" && claims.Audience != b.cfg.Audience {
		b.recordFailure(ctx, identifier, "audience_mismatch")
		return Claims{}, apperrors.Newf(apperrors.KindPermissionDenied, "tokenbroker: unexpected audience %q", claims.Audience)
	}
	if b.cfg.IssuerPrefix != "" && !strings.HasPrefix(claims.Issuer, b.cfg.IssuerPrefix) {
		b.recordFailure(ctx, identifier, "issuer_mismatch")
		return Claims{}, apperrors.Newf(apperrors.KindPermissionDenied, "tokenbroker: unexpected issuer %q", claims.Issuer)
	}
	if b.cfg.TenantID != "" && claims.TenantID != b.cfg.TenantID {
		b.recordFailure(ctx, identifier, "tenant_mismatch")
		return Claims{}, apperrors.Newf(apperrors.KindPermissionDenied, "tokenbroker: unexpected tenant %q", claims.TenantID)
	}

	if b.security != nil {
		b.security.RecordAuthSuccess(ctx, identifier)
	}
	return claims, nil
}

func (b *Broker) recordFailure(ctx context.Context, identifier, reason string) {
	if b.security == nil {
		return
	}
	b.security.RecordAuthFailure(ctx, identifier, reason)
}

func (b *Broker) parseClaims(rawToken string) (Claims, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("tokenbroker: parsing token: %w", err)
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("tokenbroker: unexpected claims type")
	}

	var out Claims
	out.Audience = stringClaim(mapClaims, "aud")
	out.Issuer = stringClaim(mapClaims, "iss")
	out.TenantID = stringClaim(mapClaims, "tid")
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if out.ExpiresAt.IsZero() {
		return Claims{}, fmt.Errorf("tokenbroker: token missing exp claim")
	}
	return out, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, ok := claims[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		slog.Warn("tokenbroker: claim is not a string", "claim", key)
		return ""
	}
	return s
}
