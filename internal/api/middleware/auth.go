package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles allowed on operator endpoints
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Claims is the bearer token payload
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTConfig configures bearer token verification
type JWTConfig struct {
	Secret string
	Issuer string
}

// Authentication verifies an HS256 bearer token and stores user_id and user_role in the context
func Authentication(cfg JWTConfig) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token")
			return
		}

		claims := &Claims{}
		_, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
			return []byte(cfg.Secret), nil
		})
		if err != nil {
			message := "Invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				message = "Token expired"
			}
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
			return
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token subject")
			return
		}

		c.Set("user_id", userID)
		c.Set("user_role", claims.Role)
		c.Next()
	}
}

// AdminOnly rejects callers without an operator role. Must run after Authentication.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("user_role")
		if role != RoleAdmin && role != RoleSuperAdmin {
			abortWithError(c, http.StatusForbidden, "FORBIDDEN", "Admin privileges required")
			return
		}
		c.Next()
	}
}

// IssueToken signs a token for userID. Used by pixctl and tests.
func IssueToken(cfg JWTConfig, userID uuid.UUID, role string, claims jwt.RegisteredClaims) (string, error) {
	if cfg.Issuer != "" && claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           userID.String(),
		Role:             role,
		RegisteredClaims: claims,
	})
	return token.SignedString([]byte(cfg.Secret))
}
