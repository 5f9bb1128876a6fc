package middleware

import (
	"errors"
	"strings"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/services"
	apperrors "speedshare/pkg/errors"

	"github.com/gin-gonic/gin"
)

const evictClaimsKey = "evict_claims"

// EvictTokenMiddleware admits only requests carrying the evict token issued
// for the :code path parameter.
func EvictTokenMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		code := domain.RendezvousCode(c.Param("code"))
		claims, err := tokens.ValidateEvictToken(parts[1], code)
		switch {
		case errors.Is(err, services.ErrUnauthorized):
			abortWithError(c, apperrors.NewForbiddenError("token was not issued for this code"))
			return
		case err != nil:
			abortWithError(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(evictClaimsKey, claims)
		c.Next()
	}
}

// EvictClaims returns the claims stored by EvictTokenMiddleware.
func EvictClaims(c *gin.Context) (*services.EvictClaims, bool) {
	v, ok := c.Get(evictClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.EvictClaims)
	return claims, ok
}
