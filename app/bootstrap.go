package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/blueflame567/SyllabTrack/app/authz"
	"github.com/blueflame567/SyllabTrack/app/billing"
	"github.com/blueflame567/SyllabTrack/app/config"
	"github.com/blueflame567/SyllabTrack/app/extract"
	"github.com/blueflame567/SyllabTrack/app/llm"
	"github.com/blueflame567/SyllabTrack/app/metrics"
	"github.com/blueflame567/SyllabTrack/app/store"
	"github.com/blueflame567/SyllabTrack/app/usage"
	"github.com/blueflame567/SyllabTrack/app/users"
	"github.com/blueflame567/SyllabTrack/auth"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var errLLMNotConfigured = errors.New("language model not configured")

// Runtime is a fully wired process: the HTTP server plus the pieces the
// replay worker shares with it.
type Runtime struct {
	Server     *Server
	Store      store.Store
	Reconciler *billing.Reconciler
	// SQS is nil when DEADLETTER_QUEUE_URL is unset.
	SQS   *sqs.Client
	close func() error
}

func (r *Runtime) Close() error {
	if r == nil || r.close == nil {
		return nil
	}
	return r.close()
}

// Bootstrap builds every component from cfg.
func Bootstrap(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	st, closeStore, err := openStore(ctx, cfg.DB, log)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Store: st, close: closeStore}

	m := metrics.New(prometheus.DefaultRegisterer, metrics.Config{Environment: cfg.Env})

	var processor billing.Processor
	if cfg.Stripe.SecretKey != "" {
		processor = billing.NewStripe(cfg.Stripe)
	} else {
		log.Warn("STRIPE_SECRET_KEY not set, billing endpoints disabled")
	}

	recOpts := []billing.Option{billing.WithMetrics(m), billing.WithLogger(log)}
	if cfg.Queue.DeadLetterURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		rt.SQS = sqs.NewFromConfig(awsCfg)
		recOpts = append(recOpts, billing.WithPublisher(billing.NewSQSPublisher(rt.SQS, cfg.Queue.DeadLetterURL)))
	}
	rt.Reconciler = billing.NewReconciler(st, processor, cfg.Stripe.WebhookSecret, recOpts...)

	usersSvc, err := users.NewService(st, cfg.Identity.WebhookSecret, log)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	ledger := usage.NewLedger(st, usage.WithLocation(cfg.Extraction.Location))

	var completer llm.Completer
	client, err := llm.NewClient(llm.ClientConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		log.Warn("language model client disabled", zap.Error(err))
		completer = llm.CompleterFunc(func(context.Context, string, int) (string, error) {
			return "", errLLMNotConfigured
		})
	} else {
		completer = client
	}
	pipeline := extract.NewPipeline(completer, st, ledger,
		extract.WithLocation(cfg.Extraction.Location),
		extract.WithLimits(cfg.Extraction.MaxChars, cfg.LLM.MaxTokens),
		extract.WithMetrics(m),
		extract.WithLogger(log),
	)

	var verifier *auth.Verifier
	if !cfg.Auth.Disabled {
		verifier, err = auth.NewVerifier(auth.VerifierConfig{
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			JWKSURL:    cfg.Auth.JWKSURL,
			EmailClaim: cfg.Auth.EmailClaim,
			RoleClaim:  cfg.Auth.RoleClaim,
		})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("auth verifier: %w", err)
		}
	}

	rt.Server, err = NewServer(Deps{
		Config:     cfg,
		Store:      st,
		Users:      usersSvc,
		Ledger:     ledger,
		Pipeline:   pipeline,
		Reconciler: rt.Reconciler,
		Processor:  processor,
		Policy:     authz.NewPolicy(cfg.Auth.AdminSubjects),
		Verifier:   verifier,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}
