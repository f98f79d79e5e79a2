// Package authz decides which admin capabilities a caller holds.
package authz

import (
	"net/http"

	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/auth"
	"github.com/gin-gonic/gin"
)

type Capability string

const (
	CapUsersRead      Capability = "users:read"
	CapUsersWriteTier Capability = "users:write-tier"
	CapBillingReplay  Capability = "billing:replay"
)

var adminCapabilities = []Capability{CapUsersRead, CapUsersWriteTier, CapBillingReplay}

// Subject is everything the policy looks at for one caller.
type Subject struct {
	User   models.User
	Claims *auth.Claims
}

// Policy grants capabilities from configuration and per-user state, never
// from compiled-in ids.
type Policy struct {
	adminSubjects map[string]struct{}
}

func NewPolicy(adminSubjects []string) *Policy {
	p := &Policy{adminSubjects: make(map[string]struct{}, len(adminSubjects))}
	for _, s := range adminSubjects {
		p.adminSubjects[s] = struct{}{}
	}
	return p
}

// Capabilities lists what s may do. Admins hold every admin capability.
func (p *Policy) Capabilities(s Subject) []Capability {
	if !p.isAdmin(s) {
		return nil
	}
	out := make([]Capability, len(adminCapabilities))
	copy(out, adminCapabilities)
	return out
}

func (p *Policy) Allows(s Subject, c Capability) bool {
	for _, have := range p.Capabilities(s) {
		if have == c {
			return true
		}
	}
	return false
}

func (p *Policy) isAdmin(s Subject) bool {
	if s.User.Role == models.RoleAdmin {
		return true
	}
	subject := s.User.ExternalID
	if s.Claims != nil {
		if s.Claims.HasRole(models.RoleAdmin) {
			return true
		}
		subject = s.Claims.Subject
	}
	_, ok := p.adminSubjects[subject]
	return ok && subject != ""
}

// SubjectFunc resolves the caller for the current request.
type SubjectFunc func(c *gin.Context) (Subject, bool)

// RequireCapability aborts with 403 unless the caller holds c.
func RequireCapability(p *Policy, resolve SubjectFunc, c Capability) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		s, ok := resolve(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !p.Allows(s, c) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		ctx.Next()
	}
}
