// Package auth resolves bearer tokens into principals. Production
// deployments verify RS256 tokens against the JWKS published by the
// configured trust anchor; development deployments may run with an
// insecure verifier that decodes tokens without checking signatures.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
)

// verifyTimeout bounds a single verification, including any JWKS refresh it
// triggers. Exceeding it surfaces as ErrVerifyTimeout.
const verifyTimeout = 5 * time.Second

// ErrVerifyTimeout is returned when token verification exceeds its deadline.
var ErrVerifyTimeout = errors.New("timeout")

// Principal is the authenticated identity bound to a connection. Immutable
// for the connection's lifetime.
type Principal struct {
	UserID      string
	DisplayName string
	PhotoURL    string
}

// Claims are the token claims the server cares about, on top of the
// registered set.
type Claims struct {
	Name     string `json:"name,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Email    string `json:"email,omitempty"`
	Picture  string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates signed tokens against the trust anchor's JWKS. Keys are
// cached and refreshed hourly; each Verify call may trigger a fetch bounded
// by verifyTimeout.
type Verifier struct {
	cache    *jwk.Cache
	jwksURL  string
	issuer   string
	audience string
}

// NewVerifier builds a Verifier for the given trust anchor domain. The JWKS
// endpoint is derived as https://<domain>/.well-known/jwks.json, registered
// with the cache, and fetched once to prove connectivity. audience may be
// empty to skip the audience check. Additional jwk.RegisterOption values are
// accepted for tests.
func NewVerifier(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Verifier, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse trust anchor URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Prime the cache so a broken trust anchor fails at startup, not on the
	// first client.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	return &Verifier{
		cache:    cache,
		jwksURL:  jwksURL,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// Verify parses and validates tokenString, returning the principal it names.
// clientDisplayName, when non-empty after trimming, overrides the display
// name carried in the token.
func (v *Verifier) Verify(ctx context.Context, tokenString, clientDisplayName string) (*Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	parseOpts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{"RS256"}),
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, keyFunc, parseOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrVerifyTimeout
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}

	return principalFromClaims(claims, clientDisplayName), nil
}

// principalFromClaims lifts the identity fields out of the claims, applying
// the display name fallback chain: client override, name, nickname, email
// local part, subject.
func principalFromClaims(claims *Claims, clientDisplayName string) *Principal {
	displayName := strings.TrimSpace(clientDisplayName)
	if displayName == "" {
		switch {
		case claims.Name != "":
			displayName = claims.Name
		case claims.Nickname != "":
			displayName = claims.Nickname
		case claims.Email != "":
			displayName = strings.SplitN(claims.Email, "@", 2)[0]
		default:
			displayName = claims.Subject
		}
	}

	return &Principal{
		UserID:      claims.Subject,
		DisplayName: displayName,
		PhotoURL:    claims.Picture,
	}
}

// InsecureVerifier accepts any token without checking signatures. It exists
// for local development only: a token shaped like a signed web token has its
// claims decoded and lifted, anything else gets a synthesized identity. The
// config layer refuses to select it in production.
type InsecureVerifier struct{}

// Verify decodes tokenString without verification.
func (m *InsecureVerifier) Verify(_ context.Context, tokenString, clientDisplayName string) (*Principal, error) {
	claims := &Claims{}

	if strings.Count(tokenString, ".") == 2 {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
			logging.GetLogger().Debug("insecure verifier could not decode token, synthesizing identity", zap.Error(err))
			claims = &Claims{}
		}
	}

	if claims.Subject == "" {
		claims.Subject = "dev-" + uuid.NewString()[:8]
	}

	principal := principalFromClaims(claims, clientDisplayName)
	logging.GetLogger().Debug("insecure verifier accepted token",
		zap.String("userId", principal.UserID),
		zap.String("displayName", principal.DisplayName))
	return principal, nil
}

// ParseAllowedOrigins splits the comma-separated origins value, trimming
// whitespace and dropping empties. An empty value yields the defaults; a
// single "*" allows every origin.
func ParseAllowedOrigins(value string, defaults []string) []string {
	if strings.TrimSpace(value) == "" {
		logging.Warn(context.Background(), "ALLOWED_ORIGINS not set, using development defaults",
			zap.Strings("defaults", defaults))
		return defaults
	}

	var origins []string
	for _, o := range strings.Split(value, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
