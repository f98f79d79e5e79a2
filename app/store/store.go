// Package store persists users, syllabi, events, usage and unreconciled
// billing events. Postgres is the production backend; Memory backs tests and
// local runs without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/blueflame567/SyllabTrack/app/models"
)

var ErrNotFound = errors.New("not found")

// Tx is a unit of work. Everything written through a Tx commits together or
// not at all.
type Tx interface {
	// LockUser serializes writers for one user until the unit of work ends.
	// The lock does not block foreign-key checks against the user row.
	LockUser(ctx context.Context, userID string) error
	CountUsage(ctx context.Context, userID string, period models.Period) (int, error)
	InsertUsage(ctx context.Context, rec *models.UsageRecord) error
	InsertSyllabus(ctx context.Context, s *models.Syllabus) error
	InsertEvents(ctx context.Context, events []models.Event) error
}

// Store is the full persistence surface. Consumers declare the subset they
// need.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CountUsage(ctx context.Context, userID string, period models.Period) (int, error)

	GetUserByID(ctx context.Context, id string) (models.User, error)
	GetUserBySubject(ctx context.Context, subject string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (models.User, error)
	InsertUserIfAbsent(ctx context.Context, u models.User) (models.User, error)
	UpdateUserEmail(ctx context.Context, userID, email string) error
	RekeyUser(ctx context.Context, userID, subject string) error
	DeleteUserBySubject(ctx context.Context, subject string) (bool, error)
	SetCustomerID(ctx context.Context, userID, customerID string) error
	ApplySubscription(ctx context.Context, userID string, snap models.SubscriptionSnapshot) error
	SetSubscriptionStatus(ctx context.Context, userID, status string) error
	SetTier(ctx context.Context, userID string, tier models.Tier) (models.User, error)
	ListUserSummaries(ctx context.Context, period models.Period) ([]models.UserSummary, error)

	ListSyllabi(ctx context.Context, userID string) ([]models.Syllabus, error)
	GetSyllabus(ctx context.Context, userID, syllabusID string) (models.Syllabus, error)

	// InsertUnreconciled stores ev unless a row for the same provider event
	// exists, in which case ev is filled from that row and created is false.
	InsertUnreconciled(ctx context.Context, ev *models.UnreconciledEvent) (created bool, err error)
	GetUnreconciled(ctx context.Context, id string) (models.UnreconciledEvent, error)
	ListUnreconciled(ctx context.Context, includeReplayed bool) ([]models.UnreconciledEvent, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	IncrementReplayAttempts(ctx context.Context, id string) error
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
