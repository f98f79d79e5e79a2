package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/app/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newLedger(t *testing.T) (*Ledger, *store.Memory, *clock, models.User) {
	t.Helper()
	mem := store.NewMemory()
	u, err := mem.InsertUserIfAbsent(context.Background(), models.User{ExternalID: "sub_1", Email: "a@example.com"})
	require.NoError(t, err)
	c := &clock{t: time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)}
	return NewLedger(mem, WithClock(c.Now)), mem, c, u
}

func TestFreeTierAdmitsThreePerMonth(t *testing.T) {
	ctx := context.Background()
	l, _, _, u := newLedger(t)

	for i := 0; i < FreeMonthlyLimit; i++ {
		d, err := l.Admit(ctx, u.ID, models.TierFree)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d should be admitted", i+1)
		require.NotNil(t, d.Limit)
		assert.Equal(t, FreeMonthlyLimit, *d.Limit)
		assert.Equal(t, i, d.CurrentUsage)

		n, err := l.Record(ctx, u.ID, models.TierFree)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}

	d, err := l.Admit(ctx, u.ID, models.TierFree)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.CurrentUsage)
	assert.NotEmpty(t, d.Reason)
}

func TestFreeTierResetsAtMonthRollover(t *testing.T) {
	ctx := context.Background()
	l, _, c, u := newLedger(t)

	for i := 0; i < FreeMonthlyLimit; i++ {
		_, err := l.Record(ctx, u.ID, models.TierFree)
		require.NoError(t, err)
	}
	d, err := l.Admit(ctx, u.ID, models.TierFree)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	c.Set(time.Date(2025, 10, 1, 0, 0, 1, 0, time.UTC))
	d, err = l.Admit(ctx, u.ID, models.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.CurrentUsage)
}

func TestPeriodFollowsConfiguredZone(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	// 03:00 UTC on Oct 1 is still September in Los Angeles.
	at := time.Date(2025, 10, 1, 3, 0, 0, 0, time.UTC)
	l := NewLedger(store.NewMemory(), WithClock(func() time.Time { return at }), WithLocation(loc))
	assert.Equal(t, models.Period{Month: 9, Year: 2025}, l.Period())
}

func TestPremiumAlwaysAdmitted(t *testing.T) {
	ctx := context.Background()
	l, _, _, u := newLedger(t)

	for i := 0; i < 10; i++ {
		_, err := l.Record(ctx, u.ID, models.TierPremium)
		require.NoError(t, err)
	}
	d, err := l.Admit(ctx, u.ID, models.TierPremium)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Limit)
	assert.Equal(t, 10, d.CurrentUsage)
}

func TestRecordRefusesOverLimit(t *testing.T) {
	ctx := context.Background()
	l, mem, _, u := newLedger(t)
	for i := 0; i < FreeMonthlyLimit; i++ {
		mem.SeedUsage(models.UsageRecord{UserID: u.ID, Month: 9, Year: 2025})
	}

	_, err := l.Record(ctx, u.ID, models.TierFree)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 3, qe.Current)
	assert.Equal(t, 3, qe.Limit)
	assert.Len(t, mem.UsageRecords(u.ID), FreeMonthlyLimit)
}

func TestConcurrentRecordNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	l, mem, _, u := newLedger(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, denied := 0, 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Record(ctx, u.ID, models.TierFree)
			mu.Lock()
			defer mu.Unlock()
			var qe *QuotaExceededError
			switch {
			case err == nil:
				accepted++
			case errors.As(err, &qe):
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, FreeMonthlyLimit, accepted)
	assert.Equal(t, 12-FreeMonthlyLimit, denied)
	assert.Len(t, mem.UsageRecords(u.ID), FreeMonthlyLimit)
}

func TestRecordUnknownUser(t *testing.T) {
	l, _, _, _ := newLedger(t)
	_, err := l.Record(context.Background(), "missing", models.TierFree)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type recordingTx struct {
	store.Tx
	calls []string
}

func (r *recordingTx) LockUser(ctx context.Context, userID string) error {
	r.calls = append(r.calls, "lock")
	return r.Tx.LockUser(ctx, userID)
}

func (r *recordingTx) CountUsage(ctx context.Context, userID string, period models.Period) (int, error) {
	r.calls = append(r.calls, "count")
	return r.Tx.CountUsage(ctx, userID, period)
}

func (r *recordingTx) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	r.calls = append(r.calls, "insert")
	return r.Tx.InsertUsage(ctx, rec)
}

func TestRecordTxLocksOnlyCappedTiers(t *testing.T) {
	ctx := context.Background()
	l, mem, _, u := newLedger(t)

	cases := []struct {
		tier models.Tier
		want []string
	}{
		{models.TierFree, []string{"lock", "count", "insert"}},
		{models.TierPremium, []string{"count", "insert"}},
	}
	for _, tc := range cases {
		var rec *recordingTx
		err := mem.WithTx(ctx, func(tx store.Tx) error {
			rec = &recordingTx{Tx: tx}
			_, err := l.RecordTx(ctx, rec, u.ID, tc.tier)
			return err
		})
		require.NoError(t, err, tc.tier)
		assert.Equal(t, tc.want, rec.calls, tc.tier)
	}
}
