// Package extract turns syllabus text into validated, categorized calendar
// events using a language model.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blueflame567/SyllabTrack/app/classify"
	"github.com/blueflame567/SyllabTrack/app/llm"
	"github.com/blueflame567/SyllabTrack/app/metrics"
	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/app/store"
	"github.com/blueflame567/SyllabTrack/app/usage"
	"go.uber.org/zap"
)

const (
	DefaultMaxChars  = 50000
	DefaultMaxTokens = 8192
	untitledEvent    = "Untitled event"
)

type Store interface {
	WithTx(ctx context.Context, fn func(tx store.Tx) error) error
}

// Charger records usage inside the unit of work that persists the events.
type Charger interface {
	RecordTx(ctx context.Context, tx store.Tx, userID string, tier models.Tier) (int, error)
}

type Request struct {
	UserID   string
	Tier     models.Tier
	FileName string
	Format   string
	Text     string
}

type Result struct {
	SyllabusID string         `json:"syllabusId"`
	Events     []models.Event `json:"events"`
	Warnings   int            `json:"warnings"`
	Truncated  bool           `json:"truncated"`
	UsageCount int            `json:"-"`
}

type Pipeline struct {
	llm        llm.Completer
	store      Store
	charger    Charger
	classifier classify.Classifier
	metrics    *metrics.Metrics
	log        *zap.Logger
	loc        *time.Location
	now        func() time.Time
	maxChars   int
	maxTokens  int
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) {
		if loc != nil {
			p.loc = loc
		}
	}
}

func WithLimits(maxChars, maxTokens int) Option {
	return func(p *Pipeline) {
		if maxChars > 0 {
			p.maxChars = maxChars
		}
		if maxTokens > 0 {
			p.maxTokens = maxTokens
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log.Named("extract")
		}
	}
}

func WithClassifier(c classify.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

func NewPipeline(completer llm.Completer, s Store, charger Charger, opts ...Option) *Pipeline {
	p := &Pipeline{
		llm:        completer,
		store:      s,
		charger:    charger,
		classifier: classify.Persisted{},
		log:        zap.NewNop(),
		loc:        time.UTC,
		now:        time.Now,
		maxChars:   DefaultMaxChars,
		maxTokens:  DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extract runs one model call over req.Text and persists the syllabus, its
// valid events and one usage record together. Any error leaves nothing
// persisted.
func (p *Pipeline) Extract(ctx context.Context, req Request) (Result, error) {
	res, err := p.extract(ctx, req)
	p.metrics.IncExtraction(resultLabel(err))
	return res, err
}

func (p *Pipeline) extract(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, ErrEmptyInput
	}

	text, truncated := truncateInput(req.Text, p.maxChars)
	if truncated {
		p.log.Info("input truncated", zap.String("user_id", req.UserID), zap.Int("max_chars", p.maxChars))
	}

	prompt := BuildPrompt(text, p.now().In(p.loc))

	started := time.Now()
	response, err := p.llm.Complete(ctx, prompt, p.maxTokens)
	p.metrics.ObserveLLM(time.Since(started), err)
	if err != nil {
		p.log.Warn("model call failed", zap.String("user_id", req.UserID), zap.Error(err))
		return Result{}, &UpstreamError{Err: err}
	}

	candidates, err := Repair(response)
	if err != nil {
		var ue *UnparsableResponseError
		if errors.As(err, &ue) {
			p.log.Error("unparsable model response",
				zap.String("user_id", req.UserID),
				zap.Int("response_len", ue.ResponseLen),
				zap.Int("cleaned_len", ue.CleanedLen),
			)
		}
		return Result{}, err
	}

	events, dropped := p.validate(candidates)
	if dropped > 0 {
		p.log.Warn("dropped events with invalid start", zap.String("user_id", req.UserID), zap.Int("count", dropped))
	}

	syllabus := &models.Syllabus{
		UserID:   req.UserID,
		FileName: req.FileName,
		FileType: req.Format,
		RawText:  req.Text,
	}

	var count int
	// Charge first: the user lock must precede the inserts whose foreign keys
	// share-lock the same user row.
	err = p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		count, err = p.charger.RecordTx(ctx, tx, req.UserID, req.Tier)
		if err != nil {
			return err
		}
		if err := tx.InsertSyllabus(ctx, syllabus); err != nil {
			return fmt.Errorf("insert syllabus: %w", err)
		}
		for i := range events {
			events[i].SyllabusID = syllabus.ID
		}
		if err := tx.InsertEvents(ctx, events); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	p.metrics.AddEvents(len(events), dropped)
	p.log.Info("syllabus extracted",
		zap.String("user_id", req.UserID),
		zap.String("syllabus_id", syllabus.ID),
		zap.Int("candidates", len(candidates)),
		zap.Int("events", len(events)),
		zap.Int("dropped", dropped),
	)

	return Result{
		SyllabusID: syllabus.ID,
		Events:     events,
		Warnings:   dropped,
		Truncated:  truncated,
		UsageCount: count,
	}, nil
}

// validate keeps candidates whose start parses. A bad or inverted end is
// cleared rather than dropping the event.
func (p *Pipeline) validate(candidates []Candidate) ([]models.Event, int) {
	events := make([]models.Event, 0, len(candidates))
	dropped := 0
	for _, c := range candidates {
		start, err := parseTimestamp(c.Start.String(), p.loc)
		if err != nil {
			dropped++
			continue
		}

		title := strings.TrimSpace(c.Title.String())
		if title == "" {
			title = untitledEvent
		}
		ev := models.Event{
			Title:       title,
			Start:       start,
			Description: optional(c.Description.String()),
			Location:    optional(c.Location.String()),
		}
		if raw := c.End.String(); strings.TrimSpace(raw) != "" {
			if end, err := parseTimestamp(raw, p.loc); err == nil && !end.Before(start) {
				ev.End = &end
			}
		}
		desc := ""
		if ev.Description != nil {
			desc = *ev.Description
		}
		ev.Category = p.classifier.Classify(title, desc)
		events = append(events, ev)
	}
	return events, dropped
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func resultLabel(err error) string {
	var (
		upstream   *UpstreamError
		unparsable *UnparsableResponseError
		quota      *usage.QuotaExceededError
	)
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.As(err, &upstream):
		return "upstream"
	case errors.As(err, &unparsable):
		return "unparsable"
	case errors.As(err, &quota):
		return "quota"
	default:
		return "error"
	}
}
