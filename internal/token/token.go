// Package token issues and validates the signed session tokens that bind a
// keyholder to one verification session. The verify link a keyholder
// receives carries this token; every evidence submission must present it.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "everkeep"

// ErrInvalidToken indicates the token failed signature or claim validation.
var ErrInvalidToken = errors.New("invalid session token")

// Claims are the JWT claims carried by a verification session token.
// Subject is the session id.
type Claims struct {
	KeyholderID string `json:"khd"`
	PrincipalID string `json:"prn"`
	jwt.RegisteredClaims
}

// Signer signs and validates session tokens with a shared HS256 secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. The secret must be non-empty.
func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret is required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign issues a token for the given session, valid for ttl.
func (s *Signer) Sign(sessionID, keyholderID, principalID string, ttl time.Duration) (string, error) {
	if sessionID == "" || keyholderID == "" {
		return "", errors.New("sessionID and keyholderID are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}

	now := time.Now().UTC()
	claims := Claims{
		KeyholderID: keyholderID,
		PrincipalID: principalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and standard claims and returns the parsed
// claims. All failures map to ErrInvalidToken.
func (s *Signer) Parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.KeyholderID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
