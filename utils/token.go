package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// JwtCustomClaim is the subset of the access token the client reads. The
// signature is verified server-side; the client only needs the claims.
type JwtCustomClaim struct {
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.StandardClaims
}

var ErrTokenMalformed = errors.New("access token malformed")

// JwtClaims decodes the claims of token without verifying the signature.
func JwtClaims(token string) (*JwtCustomClaim, error) {
	if token == "" {
		return nil, ErrTokenMalformed
	}
	claims := &JwtCustomClaim{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return claims, nil
}

// JwtExpired reports whether the claims carry an expiry that has passed.
func JwtExpired(claims *JwtCustomClaim, now time.Time) bool {
	if claims == nil || claims.ExpiresAt == 0 {
		return false
	}
	return now.Unix() > claims.ExpiresAt
}

// JwtGenerate signs claims with secret. Used by local tooling and tests.
func JwtGenerate(claims JwtCustomClaim, secret []byte, lifespan time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = now.Unix()
	if lifespan > 0 {
		claims.ExpiresAt = now.Add(lifespan).Unix()
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	return t.SignedString(secret)
}
