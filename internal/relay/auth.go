package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// peerClaims carries the authenticated peer identity.
type peerClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// identityKey is where the auth middleware stores the peer id.
const identityKey = "peer_id"

// auth validates the bearer token and binds the peer identity. With an
// empty secret (dev mode) the X-Peer-ID header is trusted as-is.
func auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			id := c.GetHeader("X-Peer-ID")
			if id == "" {
				id = c.Query("peer_id")
			}
			if id == "" {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "peer id required"})
				return
			}
			c.Set(identityKey, id)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &peerClaims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(*peerClaims)
		if !ok || !token.Valid || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			return
		}
		c.Set(identityKey, claims.UserID)
		c.Next()
	}
}
