package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blueflame567/SyllabTrack/app/config"
	"github.com/blueflame567/SyllabTrack/app/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Postgres is the lib/pq backed Store.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	d, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	return &Postgres{db: d}, nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, ErrConflict)
	}
	return err
}

type pgTx struct {
	tx *sql.Tx
}

func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *pgTx) LockUser(ctx context.Context, userID string) error {
	var id string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id
		FROM users
		WHERE id = $1
		FOR NO KEY UPDATE;
	`, userID).Scan(&id)
	return mapErr(err)
}

func (t *pgTx) CountUsage(ctx context.Context, userID string, period models.Period) (int, error) {
	return countUsageQuery(ctx, t.tx, userID, period)
}

func (t *pgTx) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO usage_records (id, user_id, month, year)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at;
	`, rec.ID, rec.UserID, rec.Month, rec.Year).Scan(&rec.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) InsertSyllabus(ctx context.Context, s *models.Syllabus) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO syllabi (id, user_id, file_name, file_type, raw_text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at;
	`, s.ID, s.UserID, s.FileName, s.FileType, s.RawText).Scan(&s.CreatedAt)
	return mapErr(err)
}

// InsertEvents bulk loads events with COPY.
func (t *pgTx) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	stmt, err := t.tx.PrepareContext(ctx, pq.CopyIn(
		"events",
		"id",
		"syllabus_id",
		"title",
		"start_at",
		"end_at",
		"category",
		"description",
		"location",
		"created_at",
	))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range events {
		e := &events[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = now
		if _, err := stmt.ExecContext(ctx,
			e.ID,
			e.SyllabusID,
			e.Title,
			e.Start,
			nullTime(e.End),
			string(e.Category),
			nullString(e.Description),
			nullString(e.Location),
			e.CreatedAt,
		); err != nil {
			_ = stmt.Close()
			return err
		}
	}

	// finish COPY
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return err
	}
	return stmt.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countUsageQuery(ctx context.Context, q queryer, userID string, period models.Period) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*)
		FROM usage_records
		WHERE user_id = $1 AND month = $2 AND year = $3;
	`, userID, period.Month, period.Year).Scan(&n)
	return n, err
}

func (p *Postgres) CountUsage(ctx context.Context, userID string, period models.Period) (int, error) {
	return countUsageQuery(ctx, p.db, userID, period)
}

const userColumns = `
	id, external_id, email, subscription_tier, subscription_status,
	stripe_customer_id, stripe_subscription_id, subscription_ends_at,
	role, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (models.User, error) {
	var u models.User
	err := r.Scan(
		&u.ID,
		&u.ExternalID,
		&u.Email,
		&u.Tier,
		&u.SubscriptionStatus,
		&u.StripeCustomerID,
		&u.StripeSubscriptionID,
		&u.SubscriptionEndsAt,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return models.User{}, mapErr(err)
	}
	return u, nil
}

func (p *Postgres) getUserWhere(ctx context.Context, where string, arg any) (models.User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	return scanUser(row)
}

func (p *Postgres) GetUserByID(ctx context.Context, id string) (models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.User{}, ErrNotFound
	}
	return p.getUserWhere(ctx, "id = $1", id)
}

func (p *Postgres) GetUserBySubject(ctx context.Context, subject string) (models.User, error) {
	return p.getUserWhere(ctx, "external_id = $1", subject)
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return p.getUserWhere(ctx, "lower(email) = lower($1)", email)
}

func (p *Postgres) GetUserByCustomerID(ctx context.Context, customerID string) (models.User, error) {
	return p.getUserWhere(ctx, "stripe_customer_id = $1", customerID)
}

func (p *Postgres) InsertUserIfAbsent(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Tier == "" {
		u.Tier = models.TierFree
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, external_id, email, subscription_tier, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING `+userColumns+`;
	`, u.ID, u.ExternalID, u.Email, u.Tier, u.Role)

	created, err := scanUser(row)
	if errors.Is(err, ErrNotFound) {
		// Lost the race to a concurrent insert for the same subject.
		return p.GetUserBySubject(ctx, u.ExternalID)
	}
	return created, err
}

func (p *Postgres) exec(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateUserEmail(ctx context.Context, userID, email string) error {
	return p.exec(ctx, `
		UPDATE users SET email = $1, updated_at = now() WHERE id = $2;
	`, email, userID)
}

func (p *Postgres) RekeyUser(ctx context.Context, userID, subject string) error {
	return p.exec(ctx, `
		UPDATE users SET external_id = $1, updated_at = now() WHERE id = $2;
	`, subject, userID)
}

// DeleteUserBySubject removes the user; syllabi, events and usage cascade.
func (p *Postgres) DeleteUserBySubject(ctx context.Context, subject string) (bool, error) {
	err := p.exec(ctx, `DELETE FROM users WHERE external_id = $1;`, subject)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (p *Postgres) SetCustomerID(ctx context.Context, userID, customerID string) error {
	return p.exec(ctx, `
		UPDATE users SET stripe_customer_id = $1, updated_at = now() WHERE id = $2;
	`, customerID, userID)
}

func (p *Postgres) ApplySubscription(ctx context.Context, userID string, snap models.SubscriptionSnapshot) error {
	return p.exec(ctx, `
		UPDATE users
		SET subscription_tier = $1,
			subscription_status = $2,
			stripe_customer_id = COALESCE($3, stripe_customer_id),
			stripe_subscription_id = COALESCE($4, stripe_subscription_id),
			subscription_ends_at = $5,
			updated_at = now()
		WHERE id = $6;
	`, snap.Tier, snap.Status, nullString(snap.CustomerID), nullString(snap.SubscriptionID), nullTime(snap.PeriodEnd), userID)
}

func (p *Postgres) SetSubscriptionStatus(ctx context.Context, userID, status string) error {
	return p.exec(ctx, `
		UPDATE users SET subscription_status = $1, updated_at = now() WHERE id = $2;
	`, status, userID)
}

func (p *Postgres) SetTier(ctx context.Context, userID string, tier models.Tier) (models.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return models.User{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE users SET subscription_tier = $1, updated_at = now()
		WHERE id = $2
		RETURNING `+userColumns+`;
	`, tier, userID)
	return scanUser(row)
}

func (p *Postgres) ListUserSummaries(ctx context.Context, period models.Period) ([]models.UserSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+prefixed("u", userColumns)+`,
			count(r.id) AS total_parses,
			count(r.id) FILTER (WHERE r.month = $1 AND r.year = $2) AS month_parses
		FROM users u
		LEFT JOIN usage_records r ON r.user_id = u.id
		GROUP BY u.id
		ORDER BY u.created_at DESC;
	`, period.Month, period.Year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UserSummary
	for rows.Next() {
		var s models.UserSummary
		if err := rows.Scan(
			&s.ID,
			&s.ExternalID,
			&s.Email,
			&s.Tier,
			&s.SubscriptionStatus,
			&s.StripeCustomerID,
			&s.StripeSubscriptionID,
			&s.SubscriptionEndsAt,
			&s.Role,
			&s.CreatedAt,
			&s.UpdatedAt,
			&s.TotalParses,
			&s.ParsesThisMonth,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func (p *Postgres) ListSyllabi(ctx context.Context, userID string) ([]models.Syllabus, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, file_name, file_type, created_at
		FROM syllabi
		WHERE user_id = $1
		ORDER BY created_at DESC;
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Syllabus
	index := map[string]int{}
	var ids []string
	for rows.Next() {
		var s models.Syllabus
		if err := rows.Scan(&s.ID, &s.UserID, &s.FileName, &s.FileType, &s.CreatedAt); err != nil {
			return nil, err
		}
		index[s.ID] = len(out)
		ids = append(ids, s.ID)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	events, err := p.eventsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		i := index[e.SyllabusID]
		out[i].Events = append(out[i].Events, e)
	}
	return out, nil
}

func (p *Postgres) GetSyllabus(ctx context.Context, userID, syllabusID string) (models.Syllabus, error) {
	if _, err := uuid.Parse(syllabusID); err != nil {
		return models.Syllabus{}, ErrNotFound
	}
	var s models.Syllabus
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, file_name, file_type, created_at
		FROM syllabi
		WHERE id = $1 AND user_id = $2;
	`, syllabusID, userID).Scan(&s.ID, &s.UserID, &s.FileName, &s.FileType, &s.CreatedAt)
	if err != nil {
		return models.Syllabus{}, mapErr(err)
	}
	s.Events, err = p.eventsFor(ctx, []string{s.ID})
	if err != nil {
		return models.Syllabus{}, err
	}
	return s, nil
}

func (p *Postgres) eventsFor(ctx context.Context, syllabusIDs []string) ([]models.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, syllabus_id, title, start_at, end_at, category, description, location, created_at
		FROM events
		WHERE syllabus_id = ANY($1)
		ORDER BY start_at;
	`, pq.Array(syllabusIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(
			&e.ID,
			&e.SyllabusID,
			&e.Title,
			&e.Start,
			&e.End,
			&e.Category,
			&e.Description,
			&e.Location,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const unreconciledColumns = `id, provider_event_id, event_type, reason, payload, attempts, created_at, replayed_at`

func scanUnreconciled(r rowScanner) (models.UnreconciledEvent, error) {
	var ev models.UnreconciledEvent
	var payload []byte
	if err := r.Scan(
		&ev.ID,
		&ev.ProviderEventID,
		&ev.EventType,
		&ev.Reason,
		&payload,
		&ev.Attempts,
		&ev.CreatedAt,
		&ev.ReplayedAt,
	); err != nil {
		return models.UnreconciledEvent{}, mapErr(err)
	}
	ev.Payload = payload
	return ev, nil
}

func (p *Postgres) InsertUnreconciled(ctx context.Context, ev *models.UnreconciledEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO unreconciled_events (id, provider_event_id, event_type, reason, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING created_at;
	`, ev.ID, ev.ProviderEventID, ev.EventType, ev.Reason, []byte(ev.Payload)).Scan(&ev.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, mapErr(err)
	}

	row := p.db.QueryRowContext(ctx, `SELECT `+unreconciledColumns+` FROM unreconciled_events WHERE provider_event_id = $1;`, ev.ProviderEventID)
	existing, err := scanUnreconciled(row)
	if err != nil {
		return false, err
	}
	*ev = existing
	return false, nil
}

func (p *Postgres) GetUnreconciled(ctx context.Context, id string) (models.UnreconciledEvent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.UnreconciledEvent{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+unreconciledColumns+` FROM unreconciled_events WHERE id = $1;`, id)
	return scanUnreconciled(row)
}

func (p *Postgres) ListUnreconciled(ctx context.Context, includeReplayed bool) ([]models.UnreconciledEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+unreconciledColumns+`
		FROM unreconciled_events
		WHERE $1 OR replayed_at IS NULL
		ORDER BY created_at DESC;
	`, includeReplayed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UnreconciledEvent
	for rows.Next() {
		ev, err := scanUnreconciled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, `
		UPDATE unreconciled_events SET replayed_at = $1, attempts = attempts + 1 WHERE id = $2;
	`, at.UTC(), id)
}

func (p *Postgres) IncrementReplayAttempts(ctx context.Context, id string) error {
	return p.exec(ctx, `
		UPDATE unreconciled_events SET attempts = attempts + 1 WHERE id = $1;
	`, id)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
