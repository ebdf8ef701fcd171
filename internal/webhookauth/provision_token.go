package webhookauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ProvisionClaims are carried by the one-shot token handed to a VPS during
// provisioning so its completion callback can be authenticated.
type ProvisionClaims struct {
	VpsID int64 `json:"vps_id"`
	jwt.RegisteredClaims
}

// IssueProvisionToken creates a short-lived HS256 token for a VPS
func IssueProvisionToken(secret string, vpsID int64, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", reject(ReasonUnauthenticated)
	}
	now := time.Now()
	claims := ProvisionClaims{
		VpsID: vpsID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("vps-%d", vpsID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyProvisionToken validates a provisioning callback token and returns
// its claims.
func VerifyProvisionToken(secret, tokenString string) (*ProvisionClaims, error) {
	if secret == "" {
		return nil, reject(ReasonUnauthenticated)
	}
	if tokenString == "" {
		return nil, reject(ReasonMissingSignature)
	}

	claims := &ProvisionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, reject(ReasonBadSignature)
	}
	if claims.VpsID == 0 {
		return nil, reject(ReasonUnknownSource)
	}
	return claims, nil
}
