package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"llm_fanout/internal/config"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature or claim checks
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingOwner is returned when a token carries no subject
	ErrMissingOwner = errors.New("token has no owner")
)

// OwnerClaims identifies the owner of every response aggregate a request
// touches. The owner id travels in the standard subject claim.
type OwnerClaims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a token for ownerID valid for cfg.TokenTTL. It returns
// the token and its expiry as a unix timestamp.
func IssueToken(ownerID string, cfg config.JWTConfig) (string, int64, error) {
	if ownerID == "" {
		return "", 0, ErrMissingOwner
	}

	now := time.Now()
	expiresAt := now.Add(cfg.TokenTTL)
	claims := OwnerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signedToken, expiresAt.Unix(), nil
}

// ParseToken verifies tokenString and returns the owner id it carries.
func ParseToken(tokenString string, cfg config.JWTConfig) (string, error) {
	var claims OwnerClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if cfg.Issuer != "" && !claims.VerifyIssuer(cfg.Issuer, true) {
		return "", fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.Subject == "" {
		return "", ErrMissingOwner
	}
	return claims.Subject, nil
}
