// Package app wires shared HTTP routes for both local and Lambda execution.
package app

import (
	"time"

	"github.com/blueflame567/SyllabTrack/app/authz"
	"github.com/blueflame567/SyllabTrack/app/logger"
	"github.com/blueflame567/SyllabTrack/auth"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the shared HTTP router for both local and Lambda execution.
func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		Logger:    s.log,
		SkipPaths: map[string]bool{"/health": true, "/metrics": true},
	}))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{s.cfg.Stripe.FrontendURL},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{logger.RequestIDHeader, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	router.POST("/api/stripe/webhook", s.StripeWebhook)
	router.POST("/api/webhooks/identity", s.IdentityWebhook)

	protected := router.Group("/")
	protected.Use(auth.Middleware(s.verifier, auth.MiddlewareConfig{
		DisableAuth:     s.cfg.Auth.Disabled,
		Logger:          s.log,
		OnAuthenticated: s.ensureCaller,
	}))
	protected.GET("/me", s.Me)
	protected.POST("/api/syllabi/parse", s.rateLimit, s.ParseSyllabus)
	protected.GET("/api/syllabi", s.ListSyllabi)
	protected.GET("/api/syllabi/:id/ics", s.SyllabusCalendar)
	protected.POST("/api/calendar/ics", s.BuildCalendar)
	protected.POST("/api/billing/create-checkout-session", s.CreateCheckoutSession)
	protected.POST("/api/billing/portal-session", s.CreatePortalSession)

	admin := protected.Group("/api/admin")
	admin.GET("/users", s.require(authz.CapUsersRead), s.AdminListUsers)
	admin.POST("/update-tier", s.require(authz.CapUsersWriteTier), s.AdminUpdateTier)
	admin.GET("/unreconciled", s.require(authz.CapBillingReplay), s.AdminListUnreconciled)
	admin.POST("/unreconciled/:id/replay", s.require(authz.CapBillingReplay), s.AdminReplay)

	return router
}

func (s *Server) require(c authz.Capability) gin.HandlerFunc {
	return authz.RequireCapability(s.policy, s.caller, c)
}
