// Package security provides the HTTP guards for the escrow API.
package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers suited to a JSON-only API
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// AdminHeader carries the operator secret on /v1/ops requests.
const AdminHeader = "X-Admin-Secret"

// RequireAdminSecret rejects requests whose X-Admin-Secret header, or
// "Authorization: Bearer <secret>", does not match secret. An empty secret
// leaves the routes open, which config only allows outside production.
func RequireAdminSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(AdminHeader)
		if got == "" {
			got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid admin secret required",
			})
			return
		}
		c.Next()
	}
}
