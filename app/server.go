package app

import (
	"errors"

	"github.com/blueflame567/SyllabTrack/app/authz"
	"github.com/blueflame567/SyllabTrack/app/billing"
	"github.com/blueflame567/SyllabTrack/app/config"
	"github.com/blueflame567/SyllabTrack/app/extract"
	"github.com/blueflame567/SyllabTrack/app/metrics"
	"github.com/blueflame567/SyllabTrack/app/store"
	"github.com/blueflame567/SyllabTrack/app/usage"
	"github.com/blueflame567/SyllabTrack/app/users"
	"github.com/blueflame567/SyllabTrack/auth"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Deps is everything the HTTP layer needs. Verifier may be nil when auth is
// disabled; Gatherer defaults to the Prometheus default registry.
type Deps struct {
	Config     *config.Config
	Store      store.Store
	Users      *users.Service
	Ledger     *usage.Ledger
	Pipeline   *extract.Pipeline
	Reconciler *billing.Reconciler
	Processor  billing.Processor
	Policy     *authz.Policy
	Verifier   *auth.Verifier
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// Server holds the handler dependencies.
type Server struct {
	cfg        *config.Config
	store      store.Store
	users      *users.Service
	ledger     *usage.Ledger
	pipeline   *extract.Pipeline
	reconciler *billing.Reconciler
	processor  billing.Processor
	policy     *authz.Policy
	verifier   *auth.Verifier
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	limiter    *rateLimiter
	log        *zap.Logger
}

func NewServer(d Deps) (*Server, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("config is required")
	case d.Store == nil, d.Users == nil, d.Ledger == nil, d.Pipeline == nil, d.Reconciler == nil:
		return nil, errors.New("store, users, ledger, pipeline and reconciler are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Policy == nil {
		d.Policy = authz.NewPolicy(d.Config.Auth.AdminSubjects)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:        d.Config,
		store:      d.Store,
		users:      d.Users,
		ledger:     d.Ledger,
		pipeline:   d.Pipeline,
		reconciler: d.Reconciler,
		processor:  d.Processor,
		policy:     d.Policy,
		verifier:   d.Verifier,
		metrics:    d.Metrics,
		gatherer:   d.Gatherer,
		limiter:    newRateLimiter(d.Config.RateLimit.PerMinute),
		log:        d.Logger.Named("http"),
	}, nil
}
