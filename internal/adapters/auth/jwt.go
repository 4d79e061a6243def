// Package auth verifies bearer credentials presented by whiteboard clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// GuestPrefix marks a credential built from an anonymous client token.
const GuestPrefix = "guest:"

var (
	ErrNoCredential   = errors.New("no credential presented")
	ErrGuestsDisabled = errors.New("guest access disabled")
	ErrNoSecret       = errors.New("token verification is not configured")
	ErrNoSubject      = errors.New("token has no userId claim")
)

// Claims is the payload issued by the account service.
type Claims struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens and, optionally, guest credentials.
type JWTVerifier struct {
	secret      []byte
	allowGuests bool
	now         func() time.Time
}

func NewJWTVerifier(secret string, allowGuests bool) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), allowGuests: allowGuests, now: time.Now}
}

// GuestCredential wraps a client token so Verify yields a guest identity.
func GuestCredential(clientToken string) string {
	return GuestPrefix + clientToken
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (domain.User, error) {
	if token, ok := strings.CutPrefix(credential, GuestPrefix); ok {
		if !v.allowGuests {
			return domain.User{}, ErrGuestsDisabled
		}
		return domain.NewGuest(token), nil
	}
	if credential == "" {
		return domain.User{}, ErrNoCredential
	}
	if len(v.secret) == 0 {
		return domain.User{}, ErrNoSecret
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(credential, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == "" {
		return domain.User{}, ErrNoSubject
	}
	user, err := domain.NewUser(claims.UserID, claims.Name)
	if err != nil {
		return domain.User{}, fmt.Errorf("token identity: %w", err)
	}
	return user, nil
}

// Issue signs a token for user. Used by tooling and tests; production tokens
// come from the account service.
func (v *JWTVerifier) Issue(user domain.User, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}
	now := v.now()
	claims := Claims{
		UserID: string(user.ID),
		Name:   user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
