package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TokenVerifier is the auth collaborator contract consumed by the gateway. Implementations resolve an opaque bearer
// token to the authenticated principal or fail.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (uuid.UUID, error)
}

// JWTVerifier validates locally-signed access tokens.
type JWTVerifier struct {
	secret string
	issuer string
}

// NewJWTVerifier creates a TokenVerifier for HS256 tokens signed with the shared secret.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// VerifyToken validates the token and returns the user id from its subject claim.
func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (uuid.UUID, error) {
	claims, err := ValidateAccessToken(token, v.secret, v.issuer)
	if err != nil {
		return uuid.Nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token subject: %w", err)
	}
	return userID, nil
}
