// Package app provides public health and authenticated identity endpoints.
package app

import (
	"errors"
	"net/http"

	"github.com/blueflame567/SyllabTrack/app/authz"
	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/app/usage"
	"github.com/blueflame567/SyllabTrack/app/users"
	"github.com/blueflame567/SyllabTrack/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userKey = "user"

// Health is a public health check endpoint.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// ensureCaller provisions the local user for every authenticated request and
// stores it on the gin context.
func (s *Server) ensureCaller(c *gin.Context, claims *auth.Claims) {
	u, err := s.users.Ensure(c.Request.Context(), users.Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
	})
	if err != nil {
		if errors.Is(err, users.ErrMissingEmail) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("ensure user failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	c.Set(userKey, u)
}

func currentUser(c *gin.Context) (models.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return models.User{}, false
	}
	u, ok := v.(models.User)
	return u, ok
}

func (s *Server) caller(c *gin.Context) (authz.Subject, bool) {
	u, ok := currentUser(c)
	if !ok {
		return authz.Subject{}, false
	}
	claims, _ := auth.ClaimsFromContext(c.Request.Context())
	return authz.Subject{User: u, Claims: claims}, true
}

// Me returns the caller's tier and monthly usage.
func (s *Server) Me(c *gin.Context) {
	subject, ok := s.caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	u := subject.User

	current, err := s.ledger.CurrentUsage(c.Request.Context(), u.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	limit := usage.LimitFor(u.Tier)
	var remaining *int
	if limit != nil {
		left := *limit - current
		if left < 0 {
			left = 0
		}
		remaining = &left
	}

	c.JSON(http.StatusOK, gin.H{
		"user": u,
		"usage": gin.H{
			"current":   current,
			"limit":     limit,
			"remaining": remaining,
			"period":    s.ledger.Period(),
		},
		"capabilities": nonNil(s.policy.Capabilities(subject)),
	})
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
