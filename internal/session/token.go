package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer mints the opaque SubscriptionToken a session carries, letting
// a client poll or subscribe to its own status without a merchant API key.
// Adapted from the gateway's merchant-auth JWT issuer: same HS256 scheme,
// scoped here to one session instead of one merchant.
type TokenIssuer struct {
	secret []byte
	issuer string
}

// NewTokenIssuer creates a subscription-token issuer signing with secret.
func NewTokenIssuer(secret string, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), issuer: issuer}
}

// Issue mints a token scoped to sessionID, valid until expiresAt.
func (t *TokenIssuer) Issue(sessionID uuid.UUID, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": sessionID.String(),
		"iat": time.Now().Unix(),
		"exp": expiresAt.Unix(),
		"iss": t.issuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing subscription token: %w", err)
	}
	return signed, nil
}

// Validate parses a subscription token and returns the session it scopes.
func (t *TokenIssuer) Validate(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing subscription token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, fmt.Errorf("invalid subscription token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("missing subject claim")
	}
	sessionID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id in token: %w", err)
	}
	return sessionID, nil
}
