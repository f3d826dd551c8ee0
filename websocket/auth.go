package websocket

import (
	"context"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/SahilKulkarni10/metaconnect-broker/config"
)

// Claims is the JWT claim set issued by the credential service. The 'sub'
// claim carries the user id; 'jti' feeds the revocation check.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator resolves an opaque bearer token to a user identity. It checks
// the signature, the standard claims, and the revocation list in Redis.
type Validator struct {
	cfg         *config.AuthConfig
	redisClient *redis.Client
}

func NewValidator(cfg *config.AuthConfig, redisClient *redis.Client) *Validator {
	return &Validator{
		cfg:         cfg,
		redisClient: redisClient,
	}
}

// Validate returns the token's subject user id, or an error when the
// credential is invalid, expired, revoked, or missing a subject.
func (v *Validator) Validate(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", fmt.Errorf("could not cast claims")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}

	isRevoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a Redis outage must not lock every user out.
		log.Printf("CRITICAL: Failed to check token revocation status: %v", err)
	}
	if isRevoked {
		return "", fmt.Errorf("token has been revoked")
	}

	return claims.Subject, nil
}

// isTokenRevoked checks if a token ID (JTI) is in the Redis revocation list.
func (v *Validator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		if jti == "" {
			log.Println("Warning: JWT token is missing 'jti' claim, cannot check for revocation.")
		}
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}
