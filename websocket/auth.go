package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/V-prajit/Terminator/config"
)

// CustomClaims are the JWT claims accepted at the handshake. The subject is
// used as the default participant id. Scopes of the form "send:<type>" or
// "send:*" restrict which message types the connection may send; a token
// without scopes may send anything.
type CustomClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims permit sending msgType.
func (c *CustomClaims) Allows(msgType string) bool {
	if c == nil || len(c.Scopes) == 0 {
		return true
	}
	for _, scope := range c.Scopes {
		action, target, ok := strings.Cut(scope, ":")
		if !ok || action != "send" {
			continue
		}
		if target == "*" || target == msgType {
			return true
		}
		if strings.HasSuffix(target, "*") && strings.HasPrefix(msgType, strings.TrimSuffix(target, "*")) {
			return true
		}
	}
	return false
}

// JWTValidator handles JWT validation logic.
type JWTValidator struct {
	cfg         *config.AuthConfig
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewJWTValidator creates a validator. redisClient may be nil, which disables
// the revocation check.
func NewJWTValidator(cfg *config.AuthConfig, redisClient *redis.Client, logger *slog.Logger) *JWTValidator {
	return &JWTValidator{
		cfg:         cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// ValidateToken parses and validates a JWT string. It checks the signature,
// standard claims (like expiration), and the revocation list in Redis.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("could not cast claims to CustomClaims")
	}

	isRevoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open so a Redis outage does not lock every player out.
		v.logger.Error("failed to check token revocation status", "error", err)
	}
	if isRevoked {
		return nil, errors.New("token has been revoked")
	}
	return claims, nil
}

// isTokenRevoked checks if a token ID (JTI) is in the Redis revocation list.
func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		if jti == "" {
			v.logger.Debug("token has no jti claim, skipping revocation check")
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
