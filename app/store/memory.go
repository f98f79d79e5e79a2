package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/google/uuid"
)

var ErrConflict = errors.New("unique constraint violated")

// Memory is an in-process Store. A unit of work holds the store lock for its
// whole duration, so WithTx callbacks must only use the Tx they are given.
type Memory struct {
	mu           sync.Mutex
	now          func() time.Time
	users        map[string]*models.User
	syllabi      map[string]*models.Syllabus
	events       []models.Event
	usage        []models.UsageRecord
	unreconciled map[string]*models.UnreconciledEvent
}

func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		users:        make(map[string]*models.User),
		syllabi:      make(map[string]*models.Syllabus),
		unreconciled: make(map[string]*models.UnreconciledEvent),
	}
}

type memTx struct {
	m       *Memory
	syllabi []models.Syllabus
	events  []models.Event
	usage   []models.UsageRecord
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range tx.syllabi {
		s := tx.syllabi[i]
		m.syllabi[s.ID] = &s
	}
	m.events = append(m.events, tx.events...)
	m.usage = append(m.usage, tx.usage...)
	return nil
}

func (t *memTx) LockUser(_ context.Context, userID string) error {
	if _, ok := t.m.users[userID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (t *memTx) CountUsage(_ context.Context, userID string, period models.Period) (int, error) {
	n := countUsage(t.m.usage, userID, period)
	n += countUsage(t.usage, userID, period)
	return n, nil
}

func (t *memTx) InsertUsage(_ context.Context, rec *models.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.m.now().UTC()
	}
	t.usage = append(t.usage, *rec)
	return nil
}

func (t *memTx) InsertSyllabus(_ context.Context, s *models.Syllabus) error {
	if _, ok := t.m.users[s.UserID]; !ok {
		return fmt.Errorf("insert syllabus: user %s: %w", s.UserID, ErrNotFound)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = t.m.now().UTC()
	}
	row := *s
	row.Events = nil
	t.syllabi = append(t.syllabi, row)
	return nil
}

func (t *memTx) InsertEvents(_ context.Context, events []models.Event) error {
	for i := range events {
		if !t.hasSyllabus(events[i].SyllabusID) {
			return fmt.Errorf("insert event: syllabus %s: %w", events[i].SyllabusID, ErrNotFound)
		}
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = t.m.now().UTC()
		}
	}
	t.events = append(t.events, events...)
	return nil
}

func (t *memTx) hasSyllabus(id string) bool {
	if _, ok := t.m.syllabi[id]; ok {
		return true
	}
	for _, s := range t.syllabi {
		if s.ID == id {
			return true
		}
	}
	return false
}

func countUsage(records []models.UsageRecord, userID string, period models.Period) int {
	n := 0
	for _, r := range records {
		if r.UserID == userID && r.Month == period.Month && r.Year == period.Year {
			n++
		}
	}
	return n
}

func (m *Memory) CountUsage(_ context.Context, userID string, period models.Period) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return countUsage(m.usage, userID, period), nil
}

// UsageRecords returns a copy of the usage rows for userID.
func (m *Memory) UsageRecords(userID string) []models.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UsageRecord
	for _, r := range m.usage {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

// SeedUsage appends a usage row directly, bypassing quota checks.
func (m *Memory) SeedUsage(rec models.UsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.usage = append(m.usage, rec)
}

func (m *Memory) findUser(match func(u *models.User) bool) (models.User, error) {
	for _, u := range m.users {
		if match(u) {
			return *u, nil
		}
	}
	return models.User{}, ErrNotFound
}

func (m *Memory) GetUserByID(_ context.Context, id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return *u, nil
	}
	return models.User{}, ErrNotFound
}

func (m *Memory) GetUserBySubject(_ context.Context, subject string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findUser(func(u *models.User) bool { return u.ExternalID == subject })
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findUser(func(u *models.User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *Memory) GetUserByCustomerID(_ context.Context, customerID string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findUser(func(u *models.User) bool {
		return u.StripeCustomerID != nil && *u.StripeCustomerID == customerID
	})
}

func (m *Memory) InsertUserIfAbsent(_ context.Context, u models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, err := m.findUser(func(x *models.User) bool { return x.ExternalID == u.ExternalID }); err == nil {
		return existing, nil
	}
	if _, err := m.findUser(func(x *models.User) bool { return strings.EqualFold(x.Email, u.Email) }); err == nil {
		return models.User{}, fmt.Errorf("insert user email=%s: %w", u.Email, ErrConflict)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Tier == "" {
		u.Tier = models.TierFree
	}
	now := m.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	row := u
	m.users[u.ID] = &row
	return u, nil
}

func (m *Memory) update(userID string, fn func(u *models.User) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(u); err != nil {
		return err
	}
	u.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) UpdateUserEmail(_ context.Context, userID, email string) error {
	return m.update(userID, func(u *models.User) error {
		for _, other := range m.users {
			if other.ID != userID && strings.EqualFold(other.Email, email) {
				return ErrConflict
			}
		}
		u.Email = email
		return nil
	})
}

func (m *Memory) RekeyUser(_ context.Context, userID, subject string) error {
	return m.update(userID, func(u *models.User) error {
		for _, other := range m.users {
			if other.ID != userID && other.ExternalID == subject {
				return ErrConflict
			}
		}
		u.ExternalID = subject
		return nil
	})
}

func (m *Memory) DeleteUserBySubject(_ context.Context, subject string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.findUser(func(x *models.User) bool { return x.ExternalID == subject })
	if err != nil {
		return false, nil
	}
	delete(m.users, u.ID)

	removed := map[string]bool{}
	for id, s := range m.syllabi {
		if s.UserID == u.ID {
			removed[id] = true
			delete(m.syllabi, id)
		}
	}
	events := m.events[:0]
	for _, e := range m.events {
		if !removed[e.SyllabusID] {
			events = append(events, e)
		}
	}
	m.events = events
	usage := m.usage[:0]
	for _, r := range m.usage {
		if r.UserID != u.ID {
			usage = append(usage, r)
		}
	}
	m.usage = usage
	return true, nil
}

func (m *Memory) SetCustomerID(_ context.Context, userID, customerID string) error {
	return m.update(userID, func(u *models.User) error {
		for _, other := range m.users {
			if other.ID != userID && other.StripeCustomerID != nil && *other.StripeCustomerID == customerID {
				return ErrConflict
			}
		}
		u.StripeCustomerID = &customerID
		return nil
	})
}

func (m *Memory) ApplySubscription(_ context.Context, userID string, snap models.SubscriptionSnapshot) error {
	return m.update(userID, func(u *models.User) error {
		status := snap.Status
		u.Tier = snap.Tier
		u.SubscriptionStatus = &status
		if snap.CustomerID != nil {
			id := *snap.CustomerID
			u.StripeCustomerID = &id
		}
		if snap.SubscriptionID != nil {
			id := *snap.SubscriptionID
			u.StripeSubscriptionID = &id
		}
		if snap.PeriodEnd != nil {
			end := *snap.PeriodEnd
			u.SubscriptionEndsAt = &end
		} else {
			u.SubscriptionEndsAt = nil
		}
		return nil
	})
}

func (m *Memory) SetSubscriptionStatus(_ context.Context, userID, status string) error {
	return m.update(userID, func(u *models.User) error {
		u.SubscriptionStatus = &status
		return nil
	})
}

func (m *Memory) SetTier(ctx context.Context, userID string, tier models.Tier) (models.User, error) {
	if err := m.update(userID, func(u *models.User) error {
		u.Tier = tier
		return nil
	}); err != nil {
		return models.User{}, err
	}
	return m.GetUserByID(ctx, userID)
}

// SetRole grants or clears a user's role.
func (m *Memory) SetRole(_ context.Context, userID, role string) error {
	return m.update(userID, func(u *models.User) error {
		u.Role = role
		return nil
	})
}

func (m *Memory) ListUserSummaries(_ context.Context, period models.Period) ([]models.UserSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.UserSummary, 0, len(m.users))
	for _, u := range m.users {
		s := models.UserSummary{User: *u}
		for _, r := range m.usage {
			if r.UserID != u.ID {
				continue
			}
			s.TotalParses++
			if r.Month == period.Month && r.Year == period.Year {
				s.ParsesThisMonth++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListSyllabi(_ context.Context, userID string) ([]models.Syllabus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Syllabus
	for _, s := range m.syllabi {
		if s.UserID == userID {
			out = append(out, m.withEvents(*s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetSyllabus(_ context.Context, userID, syllabusID string) (models.Syllabus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.syllabi[syllabusID]
	if !ok || s.UserID != userID {
		return models.Syllabus{}, ErrNotFound
	}
	return m.withEvents(*s), nil
}

func (m *Memory) withEvents(s models.Syllabus) models.Syllabus {
	s.Events = nil
	for _, e := range m.events {
		if e.SyllabusID == s.ID {
			s.Events = append(s.Events, e)
		}
	}
	sort.SliceStable(s.Events, func(i, j int) bool { return s.Events[i].Start.Before(s.Events[j].Start) })
	return s
}

func (m *Memory) InsertUnreconciled(_ context.Context, ev *models.UnreconciledEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.unreconciled {
		if existing.ProviderEventID == ev.ProviderEventID {
			*ev = *existing
			return false, nil
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now().UTC()
	}
	row := *ev
	m.unreconciled[ev.ID] = &row
	return true, nil
}

func (m *Memory) GetUnreconciled(_ context.Context, id string) (models.UnreconciledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.unreconciled[id]
	if !ok {
		return models.UnreconciledEvent{}, ErrNotFound
	}
	return *ev, nil
}

func (m *Memory) ListUnreconciled(_ context.Context, includeReplayed bool) ([]models.UnreconciledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UnreconciledEvent
	for _, ev := range m.unreconciled {
		if ev.ReplayedAt != nil && !includeReplayed {
			continue
		}
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkReplayed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.unreconciled[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	ev.ReplayedAt = &at
	ev.Attempts++
	return nil
}

func (m *Memory) IncrementReplayAttempts(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.unreconciled[id]
	if !ok {
		return ErrNotFound
	}
	ev.Attempts++
	return nil
}
