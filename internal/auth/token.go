// Package auth verifies caller identity tokens and app attestation tokens and
// carries the resulting principal on the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

var (
	ErrMissingToken = errors.New("auth: token is required")
	ErrInvalidToken = errors.New("auth: token is invalid")
)

type userClaims struct {
	jwt.RegisteredClaims
	Email   string `json:"email,omitempty"`
	Role    string `json:"role,omitempty"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
}

// TokenVerifier checks HS256 identity tokens.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string, now func() time.Time) *TokenVerifier {
	if now == nil {
		now = time.Now
	}
	return &TokenVerifier{secret: []byte(secret), now: now}
}

// Verify parses raw and returns the principal it names. The subject claim is
// mandatory.
func (v *TokenVerifier) Verify(raw string) (domain.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Principal{}, ErrMissingToken
	}
	if len(v.secret) == 0 {
		return domain.Principal{}, errors.New("auth: token verifier is not configured")
	}

	var claims userClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return domain.Principal{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}

	return domain.Principal{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Role:        domain.ParseRole(claims.Role),
		LegacyAdmin: claims.IsAdmin,
	}, nil
}

// Sign issues a token for p valid for ttl.
func (v *TokenVerifier) Sign(p domain.Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:   p.Email,
		Role:    string(p.Role),
		IsAdmin: p.LegacyAdmin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AppCheckVerifier validates app attestation tokens: HS256, unexpired, and
// issued for the configured audience.
type AppCheckVerifier struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func NewAppCheckVerifier(secret, audience string, now func() time.Time) *AppCheckVerifier {
	if now == nil {
		now = time.Now
	}
	return &AppCheckVerifier{secret: []byte(secret), audience: audience, now: now}
}

func (v *AppCheckVerifier) Verify(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrMissingToken
	}
	if len(v.secret) == 0 {
		return errors.New("auth: app check verifier is not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// Sign issues an app check token for the configured audience.
func (v *AppCheckVerifier) Sign(appID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}
