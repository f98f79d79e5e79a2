// Package auth provides Gin middleware for enforcing bearer-token auth.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LocalSubject is the caller identity used when auth is disabled.
const LocalSubject = "local-dev"

// MiddlewareConfig controls auth enforcement behavior.
type MiddlewareConfig struct {
	RequireScopes []string
	PublicPaths   map[string]bool
	DisableAuth   bool
	Logger        *zap.Logger
	// OnAuthenticated runs after claims are stored on the request. It may
	// abort the request.
	OnAuthenticated func(c *gin.Context, claims *Claims)
}

// Middleware enforces bearer token auth and injects claims into the request context.
func Middleware(verifier *Verifier, cfg MiddlewareConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("auth")
	if cfg.DisableAuth {
		log.Warn("auth disabled for local development")
	}

	return func(c *gin.Context) {
		if cfg.PublicPaths != nil && cfg.PublicPaths[c.FullPath()] {
			c.Next()
			return
		}

		if cfg.DisableAuth {
			claims := &Claims{
				Subject: LocalSubject,
				Issuer:  "local",
				Email:   LocalSubject + "@localhost",
				Raw:     map[string]any{"sub": LocalSubject},
			}
			authenticated(c, claims, cfg.OnAuthenticated)
			return
		}

		if verifier == nil {
			respondUnauthorized(c, "auth verifier not configured")
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Info("auth failure: missing Authorization header", zap.String("path", c.Request.URL.Path))
			respondUnauthorized(c, "missing authorization header")
			return
		}

		token, ok := extractBearerToken(authHeader)
		if !ok {
			log.Info("auth failure: malformed Authorization header", zap.String("path", c.Request.URL.Path))
			respondUnauthorized(c, "invalid authorization header")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			log.Info("auth failure: token invalid", zap.String("path", c.Request.URL.Path), zap.Error(err))
			respondUnauthorized(c, "invalid token")
			return
		}

		if len(cfg.RequireScopes) > 0 && !hasScopes(claims.Scope, cfg.RequireScopes) {
			log.Info("auth failure: missing scopes", zap.String("path", c.Request.URL.Path))
			respondUnauthorized(c, "insufficient scope")
			return
		}

		authenticated(c, claims, cfg.OnAuthenticated)
	}
}

func authenticated(c *gin.Context, claims *Claims, hook func(*gin.Context, *Claims)) {
	ctx := WithClaims(c.Request.Context(), claims)
	c.Request = c.Request.WithContext(ctx)
	if hook != nil {
		hook(c, claims)
		if c.IsAborted() {
			return
		}
	}
	c.Next()
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func hasScopes(scopeClaim string, required []string) bool {
	if scopeClaim == "" {
		return false
	}
	available := map[string]struct{}{}
	for _, s := range strings.Fields(scopeClaim) {
		available[s] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := available[scope]; !ok {
			return false
		}
	}
	return true
}

func respondUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
	})
}
