package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nitesh/landmarkd/internal/apperr"
)

const bearerPrefix = "Bearer "

// BearerAuth enforces the constant-time bearer-token check spec §6.1/§8.2 S5
// requires on POST /webhook. It is out of scope as a design object (spec
// §1) but its two-line stdlib comparison is written here, not delegated to
// an ecosystem package — no library in the corpus does bearer comparison,
// and crypto/subtle.ConstantTimeCompare is the whole of the primitive.
func BearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			writeError(c, nil, apperr.New(apperr.KindAuthFailure, "Missing or invalid Authorization header"))
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, bearerPrefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeError(c, nil, apperr.New(apperr.KindAuthFailure, "Invalid token"))
			c.Abort()
			return
		}
		c.Next()
	}
}
