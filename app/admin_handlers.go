package app

import (
	"net/http"
	"strconv"

	"github.com/blueflame567/SyllabTrack/app/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminListUsers lists every user with usage totals.
func (s *Server) AdminListUsers(c *gin.Context) {
	summaries, err := s.store.ListUserSummaries(c.Request.Context(), s.ledger.Period())
	if err != nil {
		s.respondError(c, err)
		return
	}

	var free, premium, totalParses, monthParses int
	for _, u := range summaries {
		if u.Tier == models.TierPremium {
			premium++
		} else {
			free++
		}
		totalParses += u.TotalParses
		monthParses += u.ParsesThisMonth
	}

	c.JSON(http.StatusOK, gin.H{
		"users": nonNil(summaries),
		"stats": gin.H{
			"totalUsers":      len(summaries),
			"freeUsers":       free,
			"premiumUsers":    premium,
			"totalParses":     totalParses,
			"parsesThisMonth": monthParses,
		},
	})
}

type updateTierRequest struct {
	UserID string      `json:"userId"`
	Tier   models.Tier `json:"tier"`
}

// AdminUpdateTier overrides a user's tier.
func (s *Server) AdminUpdateTier(c *gin.Context) {
	var req updateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !req.Tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tier"})
		return
	}

	u, err := s.store.SetTier(c.Request.Context(), req.UserID, req.Tier)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if caller, ok := currentUser(c); ok {
		s.log.Info("tier overridden by admin",
			zap.String("admin_id", caller.ID),
			zap.String("user_id", u.ID),
			zap.String("tier", string(u.Tier)),
		)
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// AdminListUnreconciled lists dead-lettered billing events. ?all=true also
// returns replayed rows.
func (s *Server) AdminListUnreconciled(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))
	rows, err := s.store.ListUnreconciled(c.Request.Context(), all)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": nonNil(rows)})
}

// AdminReplay re-applies one dead-lettered billing event.
func (s *Server) AdminReplay(c *gin.Context) {
	id := c.Param("id")
	outcome, err := s.reconciler.Replay(c.Request.Context(), id)
	if err != nil {
		s.log.Warn("replay failed", zap.String("unreconciled_id", id), zap.Error(err))
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "outcome": outcome})
}
