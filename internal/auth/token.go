package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valki/vichat/internal/config"
	"github.com/valki/vichat/internal/protocol"
)

// Claims is the payload of the HS256 bearer token the widget presents on
// auth frames and HTTP requests.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

const defaultTokenLifetime = 14 * 24 * time.Hour

// SignToken issues a bearer token for the given user. Used by the login
// handoff and by tests.
func SignToken(userID, displayName string, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		UserID:      userID,
		DisplayName: displayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(config.GetAuthTokenSecret())
}

// VerifyToken parses and validates a bearer token. It returns the claims
// and whether the token is acceptable; a token without a uid claim is
// rejected.
func VerifyToken(tokenString string) (*Claims, bool) {
	cleaned := protocol.CleanText(tokenString)
	if cleaned == "" {
		return nil, false
	}

	token, err := jwt.ParseWithClaims(cleaned, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return config.GetAuthTokenSecret(), nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || protocol.CleanText(claims.UserID) == "" {
		return nil, false
	}

	return claims, true
}
