package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

// AuthHandler handles authentication endpoints. Tokens are issued by the
// platform; this service only revokes them.
type AuthHandler struct {
	authService *service.AuthService
	log         zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *service.AuthService, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		log:         log.With().Str("component", "auth_handler").Logger(),
	}
}

// Logout godoc
// POST /api/v1/auth/logout
// Revokes the current token for the rest of its lifetime.
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.authService.Revoke(c.Request.Context(), claims); err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Failed to revoke token")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrUnavailable)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Logged out successfully"})
}
