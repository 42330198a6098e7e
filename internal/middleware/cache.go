package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// CacheControl lets a student's browser reuse a response for maxAgeSeconds.
// Shared caches must not store it.
func CacheControl(maxAgeSeconds int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAgeSeconds))
		c.Next()
	}
}

// NoStore marks attempt state responses as never cacheable; they change
// every second.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
