// Package identity resolves the caller of a request from headers set by the
// upstream authentication layer.
package identity

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserTier = "X-User-Tier"

	callerContextKey = "mirador.caller"
)

// Resolver derives a models.Caller from an incoming request.
type Resolver struct {
	trustHeaders bool
}

// NewResolver constructs a Resolver. When trustHeaders is false the auth
// headers are ignored and every caller is keyed by client IP on the free tier.
func NewResolver(trustHeaders bool) *Resolver {
	return &Resolver{trustHeaders: trustHeaders}
}

// Resolve reads the caller from the request.
func (r *Resolver) Resolve(c *gin.Context) models.Caller {
	caller := models.Caller{IP: c.ClientIP(), Tier: models.TierFree}
	if r == nil || !r.trustHeaders {
		return caller
	}
	if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" {
		caller.ID = id
		caller.Tier = models.ParseTier(c.GetHeader(HeaderUserTier))
	}
	return caller
}

// Middleware stores the resolved caller on the gin context.
func (r *Resolver) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(callerContextKey, r.Resolve(c))
		c.Next()
	}
}

// CallerFrom returns the caller stored by Middleware, resolving it on demand
// when the middleware did not run.
func CallerFrom(c *gin.Context) models.Caller {
	if v, ok := c.Get(callerContextKey); ok {
		if caller, ok := v.(models.Caller); ok {
			return caller
		}
	}
	return NewResolver(false).Resolve(c)
}
