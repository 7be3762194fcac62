// Package jwtauth verifies HS256 bearer tokens issued by the account service.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/Wyydra/callrelay/internal/core/port"
	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors what the account service puts in its tokens.
type Claims struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

type Option func(*Verifier)

func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

func (v *Verifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, port.ErrInvalidCredentials
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", port.ErrInvalidCredentials, err)
	}

	id := claims.ID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return domain.Identity{}, fmt.Errorf("%w: token has no user id", port.ErrInvalidCredentials)
	}
	name := claims.Username
	if name == "" {
		name = id
	}
	return domain.Identity{ID: domain.UserID(id), Name: name}, nil
}

// Issue signs a token for the identity. The relay never issues tokens in
// production; this exists for development and tests.
func (v *Verifier) Issue(identity domain.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		ID:       identity.ID.String(),
		Username: identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
