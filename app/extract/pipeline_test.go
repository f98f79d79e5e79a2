package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blueflame567/SyllabTrack/app/llm"
	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/app/store"
	"github.com/blueflame567/SyllabTrack/app/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var fixedNow = time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)

type stubLLM struct {
	response string
	err      error
	calls    int
	prompt   string
}

func (s *stubLLM) Complete(_ context.Context, prompt string, _ int) (string, error) {
	s.calls++
	s.prompt = prompt
	return s.response, s.err
}

type fixture struct {
	mem      *store.Memory
	ledger   *usage.Ledger
	llm      *stubLLM
	pipeline *Pipeline
	user     models.User
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T, response string, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	u, err := mem.InsertUserIfAbsent(context.Background(), models.User{ExternalID: "sub_1", Email: "student@example.com"})
	require.NoError(t, err)

	clock := func() time.Time { return fixedNow }
	ledger := usage.NewLedger(mem, usage.WithClock(clock))
	stub := &stubLLM{response: response}
	core, logs := observer.New(zap.DebugLevel)

	all := append([]Option{WithClock(clock), WithLogger(zap.New(core))}, opts...)
	return &fixture{
		mem:      mem,
		ledger:   ledger,
		llm:      stub,
		pipeline: NewPipeline(stub, mem, ledger, all...),
		user:     u,
		logs:     logs,
	}
}

func (f *fixture) request(text string) Request {
	return Request{UserID: f.user.ID, Tier: models.TierFree, FileName: "text-input.txt", Format: models.FormatTXT, Text: text}
}

func (f *fixture) syllabi(t *testing.T) []models.Syllabus {
	t.Helper()
	out, err := f.mem.ListSyllabi(context.Background(), f.user.ID)
	require.NoError(t, err)
	return out
}

func TestEndToEndFreeUserReachesLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `[{"title":"Homework 1 due","start":"2025-09-22T23:59:00"},{"title":"Quiz 1","start":"sometime in October"}]`)
	f.mem.SeedUsage(models.UsageRecord{UserID: f.user.ID, Month: 9, Year: 2025})
	f.mem.SeedUsage(models.UsageRecord{UserID: f.user.ID, Month: 9, Year: 2025})

	d, err := f.ledger.Admit(ctx, f.user.ID, models.TierFree)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	res, err := f.pipeline.Extract(ctx, f.request("HW 1 due Sept 22. Quiz 1 sometime in October."))
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.Equal(t, "Homework 1 due", res.Events[0].Title)
	assert.Equal(t, models.CategoryAssignment, res.Events[0].Category)
	assert.Equal(t, 1, res.Warnings)
	assert.Equal(t, 3, res.UsageCount)

	stored := f.syllabi(t)
	require.Len(t, stored, 1)
	assert.Equal(t, res.SyllabusID, stored[0].ID)
	require.Len(t, stored[0].Events, 1)

	n, err := f.ledger.CurrentUsage(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	d, err = f.ledger.Admit(ctx, f.user.ID, models.TierFree)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, f.llm.calls)
}

func TestEmptyInputSkipsModel(t *testing.T) {
	f := newFixture(t, "[]")

	_, err := f.pipeline.Extract(context.Background(), f.request("  \n\t "))
	require.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 0, f.llm.calls)
	assert.Empty(t, f.syllabi(t))
}

func TestUpstreamErrorPersistsNothing(t *testing.T) {
	f := newFixture(t, "")
	f.llm.err = context.DeadlineExceeded

	_, err := f.pipeline.Extract(context.Background(), f.request("Quiz 1 on Sept 20"))
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.syllabi(t))
	assert.Empty(t, f.mem.UsageRecords(f.user.ID))
}

func TestUnparsableResponseLogsLengthsOnly(t *testing.T) {
	f := newFixture(t, "Sorry, I cannot help with SECRET-PAYLOAD")

	_, err := f.pipeline.Extract(context.Background(), f.request("Quiz 1 on Sept 20"))
	var ue *UnparsableResponseError
	require.True(t, errors.As(err, &ue))
	assert.Empty(t, f.syllabi(t))
	assert.Empty(t, f.mem.UsageRecords(f.user.ID))

	entries := f.logs.FilterMessage("unparsable model response").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, len("Sorry, I cannot help with SECRET-PAYLOAD"), fields["response_len"])
	for _, v := range fields {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "SECRET-PAYLOAD")
		}
	}
}

func TestQuotaRaceLoserPersistsNothing(t *testing.T) {
	f := newFixture(t, `[{"title":"Quiz 1","start":"2025-09-20T09:00:00"}]`)
	for i := 0; i < usage.FreeMonthlyLimit; i++ {
		f.mem.SeedUsage(models.UsageRecord{UserID: f.user.ID, Month: 9, Year: 2025})
	}

	_, err := f.pipeline.Extract(context.Background(), f.request("Quiz 1 on Sept 20"))
	var qe *usage.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Empty(t, f.syllabi(t))
	assert.Len(t, f.mem.UsageRecords(f.user.ID), usage.FreeMonthlyLimit)
}

func TestPremiumIsNeverRefused(t *testing.T) {
	f := newFixture(t, `[{"title":"Quiz 1","start":"2025-09-20T09:00:00"}]`)
	for i := 0; i < 10; i++ {
		f.mem.SeedUsage(models.UsageRecord{UserID: f.user.ID, Month: 9, Year: 2025})
	}
	req := f.request("Quiz 1 on Sept 20")
	req.Tier = models.TierPremium

	res, err := f.pipeline.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 11, res.UsageCount)
}

func TestZeroEventsStillPersistsSyllabus(t *testing.T) {
	f := newFixture(t, `[]`)

	res, err := f.pipeline.Extract(context.Background(), f.request("Welcome to the course."))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.NotEmpty(t, res.SyllabusID)
	assert.Len(t, f.syllabi(t), 1)
	assert.Len(t, f.mem.UsageRecords(f.user.ID), 1)
}

func TestEndValidation(t *testing.T) {
	f := newFixture(t, `[
		{"title":"Lecture 1","start":"2025-09-01T09:00:00","end":"2025-09-01T10:15:00","location":"Room 101"},
		{"title":"Lecture 2","start":"2025-09-03T09:00:00","end":"not a time"},
		{"title":"Lecture 3","start":"2025-09-05T09:00:00","end":"2025-09-05T08:00:00"},
		{"title":"","start":"2025-09-08"}
	]`)

	res, err := f.pipeline.Extract(context.Background(), f.request("schedule"))
	require.NoError(t, err)
	require.Len(t, res.Events, 4)
	assert.Equal(t, 0, res.Warnings)

	require.NotNil(t, res.Events[0].End)
	assert.Equal(t, 10, res.Events[0].End.Hour())
	require.NotNil(t, res.Events[0].Location)
	assert.Equal(t, "Room 101", *res.Events[0].Location)
	assert.Nil(t, res.Events[1].End)
	assert.Nil(t, res.Events[2].End)
	assert.Equal(t, untitledEvent, res.Events[3].Title)
	for _, e := range res.Events[:3] {
		assert.Equal(t, models.CategoryClass, e.Category)
	}
}

func TestTimestampsUseConfiguredZone(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	f := newFixture(t, `[{"title":"Quiz 1","start":"2025-09-20T09:00:00"},{"title":"Quiz 2","start":"2025-09-27T09:00:00Z"}]`, WithLocation(loc))

	res, err := f.pipeline.Extract(context.Background(), f.request("quizzes"))
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, time.Date(2025, 9, 20, 14, 0, 0, 0, time.UTC), res.Events[0].Start.UTC())
	assert.Equal(t, time.Date(2025, 9, 27, 9, 0, 0, 0, time.UTC), res.Events[1].Start.UTC())
}

func TestLongInputIsTruncated(t *testing.T) {
	f := newFixture(t, `[]`, WithLimits(10, 0))

	res, err := f.pipeline.Extract(context.Background(), f.request(strings.Repeat("é", 25)))
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Contains(t, f.llm.prompt, strings.Repeat("é", 10)+truncationMarker)
	assert.NotContains(t, f.llm.prompt, strings.Repeat("é", 11))

	stored := f.syllabi(t)
	require.Len(t, stored, 1)
}

func TestCompleterFuncSatisfiesPipeline(t *testing.T) {
	mem := store.NewMemory()
	u, err := mem.InsertUserIfAbsent(context.Background(), models.User{ExternalID: "s", Email: "e@example.com"})
	require.NoError(t, err)

	fn := llm.CompleterFunc(func(context.Context, string, int) (string, error) {
		return "```json\n[{\"title\":\"Chapter 5 Reading\",\"start\":\"2025-09-18\"}]\n```", nil
	})
	p := NewPipeline(fn, mem, usage.NewLedger(mem))

	res, err := p.Extract(context.Background(), Request{UserID: u.ID, Tier: models.TierFree, Text: "read ch 5", Format: models.FormatTXT})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, models.CategoryReading, res.Events[0].Category)
}

type callLog struct {
	store.Tx
	calls *[]string
}

func (c callLog) LockUser(ctx context.Context, userID string) error {
	*c.calls = append(*c.calls, "lock")
	return c.Tx.LockUser(ctx, userID)
}

func (c callLog) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	*c.calls = append(*c.calls, "usage")
	return c.Tx.InsertUsage(ctx, rec)
}

func (c callLog) InsertSyllabus(ctx context.Context, s *models.Syllabus) error {
	*c.calls = append(*c.calls, "syllabus")
	return c.Tx.InsertSyllabus(ctx, s)
}

func (c callLog) InsertEvents(ctx context.Context, events []models.Event) error {
	*c.calls = append(*c.calls, "events")
	return c.Tx.InsertEvents(ctx, events)
}

type loggingStore struct {
	*store.Memory
	calls []string
}

func (s *loggingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx store.Tx) error {
		return fn(callLog{Tx: tx, calls: &s.calls})
	})
}

func TestUserLockPrecedesInserts(t *testing.T) {
	f := newFixture(t, `[{"title":"Quiz 1","start":"2025-09-20T09:00:00"}]`)
	logged := &loggingStore{Memory: f.mem}
	p := NewPipeline(f.llm, logged, f.ledger, WithClock(func() time.Time { return fixedNow }))

	_, err := p.Extract(context.Background(), f.request("Quiz 1 on Sept 20"))
	require.NoError(t, err)
	assert.Equal(t, []string{"lock", "usage", "syllabus", "events"}, logged.calls)
}

func TestNullResponseIsUnparsable(t *testing.T) {
	for _, reply := range []string{"null", "```json\nnull\n```"} {
		f := newFixture(t, reply)

		_, err := f.pipeline.Extract(context.Background(), f.request("Quiz 1 on Sept 20"))
		var ue *UnparsableResponseError
		require.True(t, errors.As(err, &ue), "reply %q", reply)
		assert.Empty(t, f.syllabi(t))
		assert.Empty(t, f.mem.UsageRecords(f.user.ID))
	}
}
