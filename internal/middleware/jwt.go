package middleware

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/pkg/response"
)

// ContextBearer is the key for the caller's Media Store credential in gin context.
const ContextBearer = "bearer_token"

// Bearer requires an Authorization: Bearer header. The token is not verified
// here, only checked for expiry when it is a JWT; the Media Store is the
// authority. The token is stored under ContextBearer.
func Bearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}
		if err := auth.Check(token, time.Now()); err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token expired"
			}
			response.Unauthorized(c, msg)
			c.Abort()
			return
		}
		c.Set(ContextBearer, token)
		c.Next()
	}
}

// BearerToken returns the token stored by Bearer.
func BearerToken(c *gin.Context) string {
	return c.GetString(ContextBearer)
}
