package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blueflame567/SyllabTrack/app/config"
	"github.com/stripe/stripe-go/v79"
	portal "github.com/stripe/stripe-go/v79/billingportal/session"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/subscription"
)

// MetadataUserID is the metadata key carrying the internal user id on
// checkout sessions and subscriptions.
const MetadataUserID = "userId"

// SubscriptionState is the processor's authoritative view of a subscription.
type SubscriptionState struct {
	ID         string
	CustomerID string
	Status     string
	PeriodEnd  *time.Time
}

// Processor is the payment processor surface used by the reconciler and the
// billing handlers.
type Processor interface {
	GetSubscription(ctx context.Context, id string) (SubscriptionState, error)
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type CheckoutInput struct {
	CustomerID string
	PriceID    string
	UserID     string
	SuccessURL string
	CancelURL  string
}

// Stripe implements Processor with the package-level stripe-go clients.
type Stripe struct{}

// NewStripe wires the Stripe API key.
func NewStripe(cfg config.StripeConfig) *Stripe {
	stripe.Key = cfg.SecretKey
	return &Stripe{}
}

func (s *Stripe) GetSubscription(ctx context.Context, id string) (SubscriptionState, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return SubscriptionState{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return subscriptionState(sub), nil
}

func (s *Stripe) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			MetadataUserID: userID,
		},
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(in.CustomerID),
		ClientReferenceID: stripe.String(in.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserID: in.UserID},
		},
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, in.UserID)

	sess, err := session.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

func (s *Stripe) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := portal.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// IsMissingResource reports whether err is Stripe's resource_missing error.
func IsMissingResource(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing
}

func subscriptionState(sub *stripe.Subscription) SubscriptionState {
	st := SubscriptionState{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Customer != nil {
		st.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		st.PeriodEnd = &end
	}
	return st
}
