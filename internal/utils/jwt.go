package utils // package utils provides the password, refresh-secret and access-token primitives

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/iliyamo/credential-service/internal/model"
)

// ErrInvalidAccessToken is returned by Parse for any token that fails
// signature, method, issuer, audience or time validation.
var ErrInvalidAccessToken = errors.New("invalid access token")

// AccessToken represents a signed JWT access token along with its expiry.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// Claims is the payload of an access token.  Subject carries the identity
// id; email and name are informational.
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// IssuerConfig configures an AccessTokenIssuer.
type IssuerConfig struct {
	Method      string // HS256 | EdDSA
	Secret      []byte // HS256 key
	Ed25519Seed []byte // EdDSA private key seed (32 bytes)
	Issuer      string
	Audience    string
	TTL         time.Duration
	Leeway      time.Duration
}

// AccessTokenIssuer signs and verifies short-lived access tokens.  It is
// immutable after construction and safe for concurrent use.
type AccessTokenIssuer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	audience  string
	ttl       time.Duration
	leeway    time.Duration
}

// NewAccessTokenIssuer validates cfg and prepares the signing keys.
func NewAccessTokenIssuer(cfg IssuerConfig) (*AccessTokenIssuer, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	i := &AccessTokenIssuer{issuer: cfg.Issuer, audience: cfg.Audience, ttl: cfg.TTL, leeway: cfg.Leeway}
	switch cfg.Method {
	case "", "HS256":
		if len(cfg.Secret) < 32 {
			return nil, errors.New("hs256 secret must be at least 32 bytes")
		}
		i.method = jwt.SigningMethodHS256
		i.signKey, i.verifyKey = cfg.Secret, cfg.Secret
	case "EdDSA":
		if len(cfg.Ed25519Seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("ed25519 seed must be %d bytes", ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(cfg.Ed25519Seed)
		i.method = jwt.SigningMethodEdDSA
		i.signKey, i.verifyKey = priv, priv.Public()
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.Method)
	}
	return i, nil
}

// TTL returns the configured access token lifetime.
func (i *AccessTokenIssuer) TTL() time.Duration { return i.ttl }

// Issue signs an access token for ident valid from now until now+TTL.
func (i *AccessTokenIssuer) Issue(ident model.Identity, now time.Time) (AccessToken, error) {
	now = now.UTC()
	exp := now.Add(i.ttl)
	claims := Claims{
		Email: ident.Email,
		Name:  ident.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ulid.Make().String(),
		},
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.signKey)
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}

// Parse verifies token as of now and returns its claims.
func (i *AccessTokenIssuer) Parse(token string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.verifyKey, nil },
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithLeeway(i.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}
