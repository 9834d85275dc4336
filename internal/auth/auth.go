// Package auth authenticates API callers and attaches their marketplace
// identity to the request.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Roles carried in token claims.
const (
	RoleBuyer    = "buyer"
	RoleSupplier = "supplier"
	RoleAdmin    = "admin"
)

// Context keys set by the middleware.
const (
	PartyKey = "auth_party_id"
	RoleKey  = "auth_role"
)

// Claims is the token payload issued by the marketplace's identity
// service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Sign issues a token for a party. Used by tests and local tooling; in
// production tokens come from the identity service.
func Sign(secret, partyID, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partyID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Middleware validates the bearer token and stores the caller's
// identity on the request. With an empty secret (development only),
// identity is taken from X-Party-Id / X-Role headers instead.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Set(PartyKey, c.GetHeader("X-Party-Id"))
			c.Set(RoleKey, c.GetHeader("X-Role"))
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abort(c, http.StatusUnauthorized, ErrMissingToken)
			return
		}

		var claims Claims
		token, err := jwt.ParseWithClaims(
			strings.TrimPrefix(header, "Bearer "),
			&claims,
			func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, ErrInvalidToken
				}
				return []byte(secret), nil
			},
		)
		if err != nil || !token.Valid {
			abort(c, http.StatusUnauthorized, ErrInvalidToken)
			return
		}

		c.Set(PartyKey, claims.Subject)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// RequireRole gates a route to one role. Must run after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(RoleKey) != role {
			abort(c, http.StatusForbidden, errors.New("auth: insufficient role"))
			return
		}
		c.Next()
	}
}

// Party returns the authenticated party id for the request.
func Party(c *gin.Context) string {
	return c.GetString(PartyKey)
}

// Role returns the authenticated role for the request.
func Role(c *gin.Context) string {
	return c.GetString(RoleKey)
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
