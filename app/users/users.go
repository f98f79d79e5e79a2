// Package users provisions the local user projection from identity-provider
// sessions and lifecycle notifications.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/blueflame567/SyllabTrack/app/store"
	svix "github.com/svix/svix-webhooks/go"
	"go.uber.org/zap"
)

var (
	ErrMissingSubject = errors.New("missing subject")
	ErrMissingEmail   = errors.New("could not determine an email for this account")
)

// NotificationVerificationError means a lifecycle notification failed its
// signature check.
type NotificationVerificationError struct {
	Err error
}

func (e *NotificationVerificationError) Error() string {
	return fmt.Sprintf("notification verification failed: %v", e.Err)
}

func (e *NotificationVerificationError) Unwrap() error { return e.Err }

type Identity struct {
	Subject string
	Email   string
}

type Store interface {
	GetUserBySubject(ctx context.Context, subject string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	InsertUserIfAbsent(ctx context.Context, u models.User) (models.User, error)
	UpdateUserEmail(ctx context.Context, userID, email string) error
	RekeyUser(ctx context.Context, userID, subject string) error
	DeleteUserBySubject(ctx context.Context, subject string) (bool, error)
}

type Service struct {
	store    Store
	verifier *svix.Webhook
	log      *zap.Logger
}

// NewService builds the provisioning service. An empty webhookSecret disables
// lifecycle notifications.
func NewService(s Store, webhookSecret string, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Service{store: s, log: log.Named("users")}
	if webhookSecret != "" {
		wh, err := svix.NewWebhook(webhookSecret)
		if err != nil {
			return nil, fmt.Errorf("identity webhook secret: %w", err)
		}
		svc.verifier = wh
	}
	return svc, nil
}

// Ensure returns the user for id.Subject, creating it on first contact. A row
// already holding id.Email under another subject is re-keyed instead of
// duplicated.
func (s *Service) Ensure(ctx context.Context, id Identity) (models.User, error) {
	id.Subject = strings.TrimSpace(id.Subject)
	id.Email = strings.TrimSpace(id.Email)
	if id.Subject == "" {
		return models.User{}, ErrMissingSubject
	}

	u, err := s.store.GetUserBySubject(ctx, id.Subject)
	switch {
	case err == nil:
		return s.refreshEmail(ctx, u, id.Email), nil
	case !errors.Is(err, store.ErrNotFound):
		return models.User{}, fmt.Errorf("lookup by subject: %w", err)
	}

	if id.Email == "" {
		return models.User{}, ErrMissingEmail
	}

	for attempt := 0; attempt < 2; attempt++ {
		u, done, err := s.rekeyByEmail(ctx, id)
		if done {
			return u, err
		}

		u, err = s.store.InsertUserIfAbsent(ctx, models.User{
			ExternalID: id.Subject,
			Email:      id.Email,
			Tier:       models.TierFree,
		})
		if err == nil {
			s.log.Info("user created", zap.String("user_id", u.ID), zap.String("subject", id.Subject))
			return u, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.User{}, fmt.Errorf("insert user: %w", err)
		}
		// A concurrent request claimed the email first; look again.
	}
	return models.User{}, fmt.Errorf("provision %s: %w", id.Subject, store.ErrConflict)
}

func (s *Service) rekeyByEmail(ctx context.Context, id Identity) (models.User, bool, error) {
	u, err := s.store.GetUserByEmail(ctx, id.Email)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, true, fmt.Errorf("lookup by email: %w", err)
	}
	if err := s.store.RekeyUser(ctx, u.ID, id.Subject); err != nil {
		return models.User{}, true, fmt.Errorf("rekey user: %w", err)
	}
	s.log.Info("user re-keyed to new subject",
		zap.String("user_id", u.ID),
		zap.String("old_subject", u.ExternalID),
		zap.String("subject", id.Subject),
	)
	u.ExternalID = id.Subject
	return u, true, nil
}

func (s *Service) refreshEmail(ctx context.Context, u models.User, email string) models.User {
	if email == "" || strings.EqualFold(email, u.Email) {
		return u
	}
	if err := s.store.UpdateUserEmail(ctx, u.ID, email); err != nil {
		s.log.Warn("email refresh failed", zap.String("user_id", u.ID), zap.Error(err))
		return u
	}
	u.Email = email
	return u
}

type emailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type notificationData struct {
	ID                    string         `json:"id"`
	EmailAddresses        []emailAddress `json:"email_addresses"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
}

type notification struct {
	Type string           `json:"type"`
	Data notificationData `json:"data"`
}

func (d notificationData) primaryEmail() string {
	for _, e := range d.EmailAddresses {
		if e.ID == d.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(d.EmailAddresses) > 0 {
		return d.EmailAddresses[0].EmailAddress
	}
	return ""
}

// NotificationResult reports what a lifecycle notification did.
type NotificationResult struct {
	Type    string `json:"type"`
	Subject string `json:"subject"`
	Action  string `json:"action"` // upserted | deleted | ignored
}

// HandleNotification verifies and applies an identity-provider lifecycle
// notification. Creates and updates go through Ensure; deletes remove the
// user and everything it owns.
func (s *Service) HandleNotification(ctx context.Context, payload []byte, headers http.Header) (NotificationResult, error) {
	if s.verifier == nil {
		return NotificationResult{}, &NotificationVerificationError{Err: errors.New("webhook secret not configured")}
	}
	if err := s.verifier.Verify(payload, headers); err != nil {
		return NotificationResult{}, &NotificationVerificationError{Err: err}
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return NotificationResult{}, fmt.Errorf("decode notification: %w", err)
	}
	res := NotificationResult{Type: n.Type, Subject: n.Data.ID, Action: "ignored"}

	switch n.Type {
	case "user.created", "user.updated":
		if _, err := s.Ensure(ctx, Identity{Subject: n.Data.ID, Email: n.Data.primaryEmail()}); err != nil {
			return res, err
		}
		res.Action = "upserted"
	case "user.deleted":
		if n.Data.ID == "" {
			return res, ErrMissingSubject
		}
		deleted, err := s.store.DeleteUserBySubject(ctx, n.Data.ID)
		if err != nil {
			return res, fmt.Errorf("delete user: %w", err)
		}
		if deleted {
			res.Action = "deleted"
		}
	}

	s.log.Info("identity notification", zap.String("type", res.Type), zap.String("subject", res.Subject), zap.String("action", res.Action))
	return res, nil
}
