package util

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const purposeOAuthState = "oauth_state"

var ErrInvalidToken = errors.New("invalid token")

// Claims 访问令牌和 OAuth state 共用；Purpose 为空表示访问令牌
type Claims struct {
	UserID  int64  `json:"user_id"`
	Role    string `json:"role,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJWT creates an access token for a given user ID.
func GenerateJWT(userID int64, role, secret string, ttl time.Duration) (string, error) {
	return sign(Claims{UserID: userID, Role: role}, secret, ttl)
}

// ParseJWT validates an access token. State tokens are rejected.
func ParseJWT(tokenStr, secret string) (*Claims, error) {
	claims, err := parse(tokenStr, secret)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateStateToken signs the OAuth state that carries the user through
// the provider consent round trip.
func GenerateStateToken(userID int64, secret string, ttl time.Duration) (string, error) {
	return sign(Claims{UserID: userID, Purpose: purposeOAuthState}, secret, ttl)
}

func ParseStateToken(tokenStr, secret string) (int64, error) {
	claims, err := parse(tokenStr, secret)
	if err != nil {
		return 0, err
	}
	if claims.Purpose != purposeOAuthState {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}

func sign(claims Claims, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

func parse(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}
