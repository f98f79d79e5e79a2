// Package billing keeps the local subscription projection in step with the
// payment processor's webhook stream.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blueflame567/SyllabTrack/app/metrics"
	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/app/store"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"
)

const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	OutcomeSkipped Outcome = "skipped"
)

// MaxReplayAttempts is how many failed replays a dead letter gets before
// automatic replay gives up on it.
const MaxReplayAttempts = 5

var (
	ErrAlreadyReplayed     = errors.New("unreconciled event already replayed")
	ErrUnknownUnreconciled = errors.New("unreconciled event not found")
	ErrReplayExhausted     = errors.New("replay attempts exhausted")
)

// WebhookVerificationError means the payload failed the signature check.
// Nothing was processed.
type WebhookVerificationError struct {
	Err error
}

func (e *WebhookVerificationError) Error() string {
	return fmt.Sprintf("webhook verification failed: %v", e.Err)
}

func (e *WebhookVerificationError) Unwrap() error { return e.Err }

// SkipError means a verified event could not be correlated with a user.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "reconciliation skipped: " + e.Reason }

// TierForStatus maps a processor subscription status to the tier it grants.
func TierForStatus(status string) models.Tier {
	switch status {
	case models.StatusActive, models.StatusTrialing:
		return models.TierPremium
	default:
		return models.TierFree
	}
}

type Store interface {
	GetUserByID(ctx context.Context, id string) (models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (models.User, error)
	ApplySubscription(ctx context.Context, userID string, snap models.SubscriptionSnapshot) error
	SetSubscriptionStatus(ctx context.Context, userID, status string) error

	InsertUnreconciled(ctx context.Context, ev *models.UnreconciledEvent) (bool, error)
	GetUnreconciled(ctx context.Context, id string) (models.UnreconciledEvent, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	IncrementReplayAttempts(ctx context.Context, id string) error
}

// SubscriptionGetter resolves a subscription's current status.
type SubscriptionGetter interface {
	GetSubscription(ctx context.Context, id string) (SubscriptionState, error)
}

type Reconciler struct {
	store     Store
	processor SubscriptionGetter
	secret    string
	publisher Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	maxAttempts int
}

type Option func(*Reconciler)

func WithMaxReplayAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log.Named("billing")
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(s Store, processor SubscriptionGetter, webhookSecret string, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     s,
		processor: processor,
		secret:    webhookSecret,
		log:       zap.NewNop(),
		now:       time.Now,

		maxAttempts: MaxReplayAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Verify checks the Stripe-Signature header against the endpoint secret.
func (r *Reconciler) Verify(payload []byte, sigHeader string) (stripe.Event, error) {
	if r.secret == "" {
		return stripe.Event{}, &WebhookVerificationError{Err: errors.New("webhook secret not configured")}
	}
	event, err := webhook.ConstructEventWithOptions(
		payload,
		sigHeader,
		r.secret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return stripe.Event{}, &WebhookVerificationError{Err: err}
	}
	return event, nil
}

// Handle verifies and applies one delivery. Only verification failures and
// failures to record a dead letter are returned; a skipped or failed
// application is stored for replay and acknowledged.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	event, err := r.Verify(payload, sigHeader)
	if err != nil {
		r.log.Warn("stripe webhook signature failed", zap.Error(err))
		r.metrics.IncBillingEvent("unverified", "rejected")
		return "", err
	}

	outcome, err := r.Apply(ctx, event)
	if err == nil {
		return outcome, nil
	}
	if dlErr := r.deadLetter(ctx, event, payload, err); dlErr != nil {
		return "", dlErr
	}
	return OutcomeSkipped, nil
}

// Apply runs the state transition for one verified event. Every transition
// writes absolute values, so reapplying an event is a no-op.
func (r *Reconciler) Apply(ctx context.Context, event stripe.Event) (Outcome, error) {
	eventType := string(event.Type)
	outcome, err := r.apply(ctx, event)

	var skip *SkipError
	switch {
	case errors.As(err, &skip):
		r.metrics.IncBillingEvent(eventType, string(OutcomeSkipped))
	case err != nil:
		r.metrics.IncBillingEvent(eventType, "failed")
	default:
		r.metrics.IncBillingEvent(eventType, string(outcome))
		r.log.Info("stripe event processed",
			zap.String("event_id", event.ID),
			zap.String("type", eventType),
			zap.String("outcome", string(outcome)),
		)
	}
	return outcome, err
}

func (r *Reconciler) apply(ctx context.Context, event stripe.Event) (Outcome, error) {
	if event.Data == nil {
		return "", &SkipError{Reason: "event has no data"}
	}

	switch event.Type {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return "", &SkipError{Reason: "invalid session payload"}
		}
		return r.checkoutCompleted(ctx, sess)

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", &SkipError{Reason: "invalid subscription payload"}
		}
		return r.subscriptionChanged(ctx, string(event.Type), sub)

	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", &SkipError{Reason: "invalid invoice payload"}
		}
		return r.paymentFailed(ctx, inv)

	case EventInvoicePaymentSucceeded:
		return OutcomeIgnored, nil

	default:
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, sess stripe.CheckoutSession) (Outcome, error) {
	if sess.Mode != stripe.CheckoutSessionModeSubscription {
		return OutcomeIgnored, nil
	}

	userID := sess.Metadata[MetadataUserID]
	if userID == "" {
		return "", &SkipError{Reason: "checkout session metadata missing userId"}
	}
	user, err := r.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", &SkipError{Reason: "no user for checkout metadata userId"}
	}
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		return "", &SkipError{Reason: "checkout session has no subscription"}
	}

	if r.processor == nil {
		return "", errors.New("payment processor not configured")
	}
	state, err := r.processor.GetSubscription(ctx, sess.Subscription.ID)
	if err != nil {
		return "", err
	}

	snap := models.SubscriptionSnapshot{
		Tier:           TierForStatus(state.Status),
		Status:         state.Status,
		SubscriptionID: &state.ID,
		PeriodEnd:      state.PeriodEnd,
	}
	if sess.Customer != nil && sess.Customer.ID != "" {
		snap.CustomerID = &sess.Customer.ID
	} else if state.CustomerID != "" {
		snap.CustomerID = &state.CustomerID
	}

	if err := r.store.ApplySubscription(ctx, user.ID, snap); err != nil {
		return "", fmt.Errorf("apply subscription: %w", err)
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, eventType string, sub stripe.Subscription) (Outcome, error) {
	user, err := r.userByCustomer(ctx, sub.Customer)
	if err != nil {
		return "", err
	}

	state := subscriptionState(&sub)
	snap := models.SubscriptionSnapshot{
		Tier:           TierForStatus(state.Status),
		Status:         state.Status,
		SubscriptionID: &state.ID,
		PeriodEnd:      state.PeriodEnd,
	}
	if eventType == EventSubscriptionDeleted {
		snap.Tier = models.TierFree
		snap.Status = models.StatusCanceled
	}
	if state.ID == "" {
		snap.SubscriptionID = nil
	}

	if err := r.store.ApplySubscription(ctx, user.ID, snap); err != nil {
		return "", fmt.Errorf("apply subscription: %w", err)
	}
	return OutcomeApplied, nil
}

// paymentFailed marks the subscription past due. The tier is left alone until
// a subscription event changes it.
func (r *Reconciler) paymentFailed(ctx context.Context, inv stripe.Invoice) (Outcome, error) {
	user, err := r.userByCustomer(ctx, inv.Customer)
	if err != nil {
		return "", err
	}
	if err := r.store.SetSubscriptionStatus(ctx, user.ID, models.StatusPastDue); err != nil {
		return "", fmt.Errorf("set status: %w", err)
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) userByCustomer(ctx context.Context, cust *stripe.Customer) (models.User, error) {
	if cust == nil || cust.ID == "" {
		return models.User{}, &SkipError{Reason: "missing customer id"}
	}
	user, err := r.store.GetUserByCustomerID(ctx, cust.ID)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, &SkipError{Reason: "unknown customer id"}
	}
	if err != nil {
		return models.User{}, fmt.Errorf("load user by customer: %w", err)
	}
	return user, nil
}

func (r *Reconciler) deadLetter(ctx context.Context, event stripe.Event, payload []byte, cause error) error {
	row := &models.UnreconciledEvent{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Reason:          cause.Error(),
		Payload:         payload,
	}
	created, err := r.store.InsertUnreconciled(ctx, row)
	if err != nil {
		r.log.Error("dead letter insert failed", zap.String("event_id", event.ID), zap.Error(err))
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if !created {
		r.log.Info("stripe event already dead-lettered", zap.String("event_id", event.ID), zap.String("unreconciled_id", row.ID))
		return nil
	}

	r.log.Warn("stripe event dead-lettered",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("unreconciled_id", row.ID),
		zap.String("reason", row.Reason),
	)

	if r.publisher != nil {
		msg := ReplayMessage{UnreconciledID: row.ID, EventType: row.EventType}
		if err := r.publisher.Publish(ctx, msg); err != nil {
			// The row is durable; operators can still replay from the admin API.
			r.log.Warn("dead letter publish failed", zap.String("unreconciled_id", row.ID), zap.Error(err))
		}
	}
	return nil
}

// Replay re-applies a stored unreconciled event. The signature was checked
// when the event was first received.
func (r *Reconciler) Replay(ctx context.Context, id string) (Outcome, error) {
	row, err := r.store.GetUnreconciled(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownUnreconciled
	}
	if err != nil {
		return "", err
	}
	if row.ReplayedAt != nil {
		return "", ErrAlreadyReplayed
	}

	var event stripe.Event
	if err := json.Unmarshal(row.Payload, &event); err != nil {
		return "", fmt.Errorf("decode stored event: %w", err)
	}

	outcome, err := r.Apply(ctx, event)
	if err != nil {
		if incErr := r.store.IncrementReplayAttempts(ctx, id); incErr != nil {
			r.log.Warn("increment replay attempts failed", zap.String("unreconciled_id", id), zap.Error(incErr))
		}
		if row.Attempts+1 >= r.maxAttempts {
			return "", fmt.Errorf("%w after %d attempts: %w", ErrReplayExhausted, row.Attempts+1, err)
		}
		return "", err
	}
	if err := r.store.MarkReplayed(ctx, id, r.now()); err != nil {
		return "", fmt.Errorf("mark replayed: %w", err)
	}
	return outcome, nil
}
