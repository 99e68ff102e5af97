package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
)

const (
	HeaderServiceKey    = "X-Service-Key"
	HeaderGuestIdentity = "X-Guest-Identity"

	principalKey = "principal"
)

// TokenValidator is an interface for validating JWT tokens
type TokenValidator interface {
	ValidateToken(token string) (authz.Principal, error)
}

// ServiceKeyVerifier checks an internal caller's key.
type ServiceKeyVerifier interface {
	Verify(key string) (authz.Principal, bool)
}

// Authenticate resolves the caller into a principal and stores it both on the
// gin context and on the request context, where the store reads it. A bearer
// token wins over a service key, and a service key wins over a guest identity.
func Authenticate(tokens TokenValidator, services ServiceKeyVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, status, msg := resolvePrincipal(c, tokens, services)
		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Set(principalKey, p)
		c.Request = c.Request.WithContext(authz.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

func resolvePrincipal(c *gin.Context, tokens TokenValidator, services ServiceKeyVerifier) (authz.Principal, int, string) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return authz.Principal{}, http.StatusUnauthorized, "invalid authorization header format"
		}
		if tokens == nil {
			return authz.Principal{}, http.StatusUnauthorized, "token authentication is not configured"
		}
		p, err := tokens.ValidateToken(parts[1])
		if err != nil {
			return authz.Principal{}, http.StatusUnauthorized, "invalid or expired token"
		}
		return p, 0, ""
	}

	if key := c.GetHeader(HeaderServiceKey); key != "" {
		if services == nil {
			return authz.Principal{}, http.StatusUnauthorized, "invalid service key"
		}
		p, ok := services.Verify(key)
		if !ok {
			return authz.Principal{}, http.StatusUnauthorized, "invalid service key"
		}
		return p, 0, ""
	}

	if guest := c.GetHeader(HeaderGuestIdentity); guest != "" {
		id, err := uuid.Parse(guest)
		if err != nil {
			return authz.Principal{}, http.StatusUnauthorized, "guest identity must be a UUID"
		}
		return authz.Guest(id.String()), 0, ""
	}

	return authz.Principal{}, http.StatusUnauthorized, "missing authorization header"
}

// PrincipalFrom returns the principal set by Authenticate.
func PrincipalFrom(c *gin.Context) (authz.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return authz.Principal{}, false
	}
	p, ok := v.(authz.Principal)
	return p, ok && p.Valid()
}
