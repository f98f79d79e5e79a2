// Package models defines the persisted shapes shared by the store and handlers.
package models

import "time"

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPremium
}

const RoleAdmin = "admin"

// Subscription statuses mirrored from the payment processor that this service
// writes itself. Any other processor status is stored verbatim.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// User is the local projection of an identity plus its subscription state.
type User struct {
	ID                   string     `json:"id" db:"id"`
	ExternalID           string     `json:"externalId" db:"external_id"`
	Email                string     `json:"email" db:"email"`
	Tier                 Tier       `json:"subscriptionTier" db:"subscription_tier"`
	SubscriptionStatus   *string    `json:"subscriptionStatus" db:"subscription_status"`
	StripeCustomerID     *string    `json:"stripeCustomerId" db:"stripe_customer_id"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId" db:"stripe_subscription_id"`
	SubscriptionEndsAt   *time.Time `json:"subscriptionEndsAt" db:"subscription_ends_at"`
	Role                 string     `json:"role" db:"role"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time  `json:"updatedAt" db:"updated_at"`
}

// SubscriptionSnapshot is an absolute subscription state applied to a user in
// one write. Nil id fields leave the stored ids untouched.
type SubscriptionSnapshot struct {
	Tier           Tier
	Status         string
	CustomerID     *string
	SubscriptionID *string
	PeriodEnd      *time.Time
}

// UserSummary is a user row with its usage totals, for admin listings.
type UserSummary struct {
	User
	TotalParses     int `json:"totalParses"`
	ParsesThisMonth int `json:"parsesThisMonth"`
}
