package scope

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/state"
)

const revokedKeyPrefix = "revoked:"

// Envelope is the verified content of a signed scope grant.
type Envelope struct {
	ID        string
	Community string
	Module    string
	Scopes    []string
	ExpiresAt time.Time
}

type envelopeClaims struct {
	Community string   `json:"community"`
	Module    string   `json:"module"`
	Scopes    []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Issuer mints the short-lived envelope attached to each dispatch.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer signs with the symmetric envelope secret.
func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Mint returns a signed envelope binding scopes to (community, module).
func (i *Issuer) Mint(community, module string, scopes []string) (string, error) {
	now := time.Now()
	claims := envelopeClaims{
		Community: community,
		Module:    module,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign scope envelope: %w", err)
	}
	return signed, nil
}

// Verifier checks envelope signature, expiry, and revocation. Symmetric
// verification uses the shared envelope secret; when the admin plane
// signs with RSA its JWKS endpoint supplies the keys.
type Verifier struct {
	secret    []byte
	issuer    string
	leeway    time.Duration
	jwksCache *jwk.Cache
	jwksURL   string
	revoked   state.Store
}

// VerifierOptions configure a Verifier.
type VerifierOptions struct {
	Secret  string
	Issuer  string
	Leeway  time.Duration
	JWKSURL string
	Revoked state.Store
}

// NewVerifier builds a verifier. With a JWKSURL set, RS256 envelopes are
// accepted alongside HS256; the key set refreshes in the background.
func NewVerifier(ctx context.Context, opts VerifierOptions) (*Verifier, error) {
	v := &Verifier{
		secret:  []byte(opts.Secret),
		issuer:  opts.Issuer,
		leeway:  opts.Leeway,
		jwksURL: opts.JWKSURL,
		revoked: opts.Revoked,
	}
	if opts.JWKSURL != "" {
		cache := jwk.NewCache(ctx)
		if err := cache.Register(opts.JWKSURL, jwk.WithMinRefreshInterval(time.Hour)); err != nil {
			return nil, fmt.Errorf("register jwks url: %w", err)
		}
		if _, err := cache.Refresh(ctx, opts.JWKSURL); err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		v.jwksCache = cache
	}
	return v, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, fmt.Errorf("no envelope secret configured")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		if v.jwksCache == nil {
			return nil, fmt.Errorf("no jwks configured for RSA envelopes")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keySet, err := v.jwksCache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("get jwks: %w", err)
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			if keySet.Len() == 0 {
				return nil, fmt.Errorf("empty jwks")
			}
			key, _ := keySet.Key(0)
			var raw interface{}
			if err := key.Raw(&raw); err != nil {
				return nil, fmt.Errorf("extract jwks key: %w", err)
			}
			return raw, nil
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %q not in jwks", kid)
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("extract jwks key %q: %w", kid, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
}

// Verify parses the envelope and checks signature, expiry, issuer, and
// the revocation list. All failures map to invalid-scope-envelope.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Envelope, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims envelopeClaims
	token, err := jwt.ParseWithClaims(raw, &claims, v.keyFunc, parserOpts...)
	if err != nil {
		return nil, errors.ErrInvalidScopeEnvelope.WithDetail(err.Error())
	}
	if !token.Valid {
		return nil, errors.ErrInvalidScopeEnvelope.WithDetail("token invalid")
	}
	if claims.ID == "" {
		return nil, errors.ErrInvalidScopeEnvelope.WithDetail("envelope missing jti")
	}

	if v.revoked != nil {
		revoked, err := v.revoked.Exists(ctx, revokedKeyPrefix+claims.ID)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStoreUnavailable, err)
		}
		if revoked {
			return nil, errors.ErrInvalidScopeEnvelope.WithDetailf("envelope %s revoked", claims.ID)
		}
	}

	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return &Envelope{
		ID:        claims.ID,
		Community: claims.Community,
		Module:    claims.Module,
		Scopes:    claims.Scopes,
		ExpiresAt: expires,
	}, nil
}

// Revoke marks an envelope id rejected until it would have expired
// anyway. until bounds how long the tombstone is kept.
func (v *Verifier) Revoke(ctx context.Context, id string, until time.Duration) error {
	if v.revoked == nil {
		return fmt.Errorf("no revocation store configured")
	}
	return v.revoked.Put(ctx, revokedKeyPrefix+id, []byte("1"), until)
}
