// Package auth issues and validates the signed access tokens that carry a
// session identity.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims defines the custom claims structure for access tokens.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Authenticator handles JWT generation and validation.
type Authenticator struct {
	secretKey []byte
	issuer    string
}

func NewAuthenticator(secretKey, issuer string) *Authenticator {
	return &Authenticator{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

// IssueToken creates a signed JWT for a user. The jti is recorded so a
// logout can revoke the token before it expires.
func (a *Authenticator) IssueToken(userID, email, jti string, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// ParseToken parses and validates a JWT string.
func (a *Authenticator) ParseToken(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}

// HashToken returns the hex digest under which an opaque refresh token is
// stored; the raw token never touches the store.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
