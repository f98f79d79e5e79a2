// Package usage enforces the monthly extraction quota for free-tier users.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/app/store"
)

const FreeMonthlyLimit = 3

// QuotaExceededError is returned when a free-tier user has used every
// extraction in the current period.
type QuotaExceededError struct {
	Current int
	Limit   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly limit reached: %d of %d extractions used", e.Current, e.Limit)
}

// Decision is the outcome of an admission check. Limit is nil for tiers
// without a cap.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CurrentUsage int    `json:"currentUsage"`
	Limit        *int   `json:"limit"`
}

type Store interface {
	CountUsage(ctx context.Context, userID string, period models.Period) (int, error)
	WithTx(ctx context.Context, fn func(tx store.Tx) error) error
}

type Ledger struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the time source used to pick the quota period.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the zone whose calendar month defines the period.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

func NewLedger(s Store, opts ...Option) *Ledger {
	l := &Ledger{store: s, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Period returns the quota period for the ledger's current time.
func (l *Ledger) Period() models.Period {
	return models.PeriodOf(l.now(), l.loc)
}

func limitFor(tier models.Tier) (int, bool) {
	if tier == models.TierPremium {
		return 0, false
	}
	return FreeMonthlyLimit, true
}

// LimitFor returns the monthly cap for tier, or nil when uncapped.
func LimitFor(tier models.Tier) *int {
	if n, ok := limitFor(tier); ok {
		return &n
	}
	return nil
}

func (l *Ledger) CurrentUsage(ctx context.Context, userID string) (int, error) {
	n, err := l.store.CountUsage(ctx, userID, l.Period())
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// Admit is the upfront check run before any model call. Premium is always
// admitted. The binding check happens again in RecordTx.
func (l *Ledger) Admit(ctx context.Context, userID string, tier models.Tier) (Decision, error) {
	current, err := l.CurrentUsage(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	limit, capped := limitFor(tier)
	if !capped {
		return Decision{Allowed: true, CurrentUsage: current}, nil
	}
	if current < limit {
		return Decision{Allowed: true, CurrentUsage: current, Limit: &limit}, nil
	}
	return Decision{
		Allowed:      false,
		Reason:       fmt.Sprintf("Free tier limit reached (%d/%d this month). Upgrade to Premium for unlimited extractions.", current, limit),
		CurrentUsage: current,
		Limit:        &limit,
	}, nil
}

// Record charges one extraction in its own unit of work.
func (l *Ledger) Record(ctx context.Context, userID string, tier models.Tier) (int, error) {
	var count int
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		count, err = l.RecordTx(ctx, tx, userID, tier)
		return err
	})
	return count, err
}

// RecordTx inserts a usage row only if the user is still under the limit for
// the current period. For capped tiers the user row stays locked until tx
// ends, so concurrent callers for one user are serialized; it must be the
// first write of the unit of work. It returns the period count including the
// new row.
func (l *Ledger) RecordTx(ctx context.Context, tx store.Tx, userID string, tier models.Tier) (int, error) {
	limit, capped := limitFor(tier)
	if capped {
		if err := tx.LockUser(ctx, userID); err != nil {
			return 0, fmt.Errorf("lock user: %w", err)
		}
	}

	period := l.Period()
	current, err := tx.CountUsage(ctx, userID, period)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	if capped && current >= limit {
		return current, &QuotaExceededError{Current: current, Limit: limit}
	}

	rec := &models.UsageRecord{UserID: userID, Month: period.Month, Year: period.Year}
	if err := tx.InsertUsage(ctx, rec); err != nil {
		return 0, fmt.Errorf("insert usage: %w", err)
	}
	return current + 1, nil
}
