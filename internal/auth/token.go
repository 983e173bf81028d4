// Package auth verifies identity claims presented on user:join.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nfrund/parley/internal/domain"
)

// ErrInvalidToken is returned for tokens that fail parsing, signature or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload of an identity token. The subject is the identity id.
type Claims struct {
	Tenant string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier issues and verifies HS256 identity tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for tokens signed with secret by issuer.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue creates a signed token for identity within tenant, valid for ttl.
func (v *JWTVerifier) Issue(identity, tenant string, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", errors.New("auth: identity is required")
	}
	now := v.now()
	claims := &Claims{
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses claim and returns the identity it names.
func (v *JWTVerifier) Verify(_ context.Context, claim string) (domain.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(claim, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	return domain.Identity{ID: claims.Subject, Tenant: claims.Tenant}, nil
}
