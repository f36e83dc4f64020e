package middleware

import "github.com/gin-gonic/gin"

// CacheControl sets the Cache-Control header on every response of the group.
// Session endpoints use "no-store": answers and timers must never be served
// from a shared cache.
func CacheControl(directive string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", directive)
		if directive == "no-store" {
			c.Header("Pragma", "no-cache")
		}
		c.Next()
	}
}
