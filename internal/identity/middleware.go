package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxActorClaims = "loanledger_actor_claims"

// RequireActor returns a Gin middleware that enforces a valid Bearer
// actor token.
//
// On success it injects the *ActorClaims into the context under the
// "loanledger_actor_claims" key.
func RequireActor(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := tokens.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		c.Set(ctxActorClaims, claims)
		c.Next()
	}
}

// OptionalActor returns a Gin middleware that tries to parse a Bearer
// actor token. Unlike RequireActor, it never aborts — it silently skips
// injection when the header is absent or the token fails verification.
func OptionalActor(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			if claims, err := tokens.Verify(tokenStr); err == nil {
				c.Set(ctxActorClaims, claims)
			}
		}
		c.Next()
	}
}

// ClaimsFromCtx retrieves the actor claims injected by RequireActor.
func ClaimsFromCtx(c *gin.Context) *ActorClaims {
	v, _ := c.Get(ctxActorClaims)
	claims, _ := v.(*ActorClaims)
	return claims
}

// ActorFromCtx returns the authenticated actor address, or "" when the
// request carries no valid token.
func ActorFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.Address
	}
	return ""
}
