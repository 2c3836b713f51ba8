/*
Package auth verifies bearer tokens and carries the caller's identity.

PURPOSE:
  The /app routes need "a verified identity or reject". Tokens are HS256
  JWTs signed with a shared secret; the subject is the user id and a "role"
  claim distinguishes brand users, partner users and admins.

  Verification failures all wrap pipeline.ErrUnauthorized so the API maps
  them to 401 without inspecting jwt errors.

SEE ALSO:
  - api/middleware.go: RequireIdentity
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matchpay/payout-engine/pipeline"
)

// Role is the kind of account behind a token.
type Role string

const (
	RoleBrand   Role = "brand"
	RolePartner Role = "partner"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleBrand || r == RolePartner || r == RoleAdmin
}

// Claims are the JWT claims the service issues and accepts.
type Claims struct {
	Role Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is a verified caller.
type Identity struct {
	SubjectID string
	Role      Role
}

// Verifier turns a raw bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// ErrMissingSecret is returned when a JWTVerifier is built without a key.
var ErrMissingSecret = errors.New("jwt secret is required")

// JWTVerifier validates HS256 tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTVerifier builds a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing bearer token", pipeline.ErrUnauthorized)
	}
	claims := new(Claims)
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", pipeline.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", pipeline.ErrUnauthorized)
	}
	return Identity{SubjectID: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a token for subject. Used by the token CLI and tests.
func (v *JWTVerifier) Issue(subject string, role Role, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// =============================================================================
// CONTEXT
// =============================================================================

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by the auth middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
