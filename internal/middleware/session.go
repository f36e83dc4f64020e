package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

// CheckTokenRevocation rejects tokens that were logged out. It must run after
// one of the Require*JWT middlewares. When the revocation store is down the
// request is let through.
func CheckTokenRevocation(authService *service.AuthService, log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "revocation_check").Logger()
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		err := authService.CheckRevoked(c.Request.Context(), claims)
		if errors.Is(err, service.ErrTokenRevoked) {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRevoked)
			return
		}
		if err != nil {
			log.Warn().Err(err).Int("user_id", claims.UserID).Msg("Revocation check failed, allowing request")
		}

		c.Next()
	}
}
