// Package postgres provides a PostgreSQL implementation of the
// membergate.Store interface. State transitions and their dedup markers
// are applied in one transaction with SELECT FOR UPDATE on the
// subscription row, so writes to a row are serialized.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/membergate/membergate/pkg/membergate"
)

// Storage implements membergate.Store using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Policy windows
	Grace                   time.Duration
	RecentRenewalWindow     time.Duration
	NotificationSuppression time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	InviteLinkTTL   time.Duration // Retention for expired invite links
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:                10,
		MinConns:                2,
		MaxConnLifetime:         time.Hour,
		MaxConnIdleTime:         30 * time.Minute,
		Grace:                   24 * time.Hour,
		RecentRenewalWindow:     36 * time.Hour,
		NotificationSuppression: 24 * time.Hour,
		CleanupEnabled:          true,
		CleanupInterval:         1 * time.Hour,
		InviteLinkTTL:           7 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Grace == 0 {
		config.Grace = 24 * time.Hour
	}
	if config.RecentRenewalWindow == 0 {
		config.RecentRenewalWindow = 36 * time.Hour
	}
	if config.NotificationSuppression == 0 {
		config.NotificationSuppression = 24 * time.Hour
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the connection pool and stops background cleanup.
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema creates the gatekeeper tables when absent.
func (s *Storage) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			handle TEXT NOT NULL DEFAULT '',
			first_seen TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			plan_id TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			recurring BOOLEAN NOT NULL DEFAULT FALSE,
			CHECK (end_at > start_at)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_subscriptions_user ON subscriptions (user_id)`,
		`CREATE INDEX IF NOT EXISTS ix_subscriptions_external ON subscriptions (external_id) WHERE external_id <> ''`,
		`CREATE INDEX IF NOT EXISTS ix_subscriptions_status_end ON subscriptions (status, end_at)`,
		`CREATE TABLE IF NOT EXISTS invite_links (
			id BIGSERIAL PRIMARY KEY,
			subscription_id BIGINT NOT NULL REFERENCES subscriptions(id),
			link TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			subscription_id BIGINT,
			processed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (event_id, event_type)
		)`,
		`CREATE TABLE IF NOT EXISTS renewal_records (
			id BIGSERIAL PRIMARY KEY,
			subscription_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			plan_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			previous_end TIMESTAMPTZ NOT NULL,
			new_end TIMESTAMPTZ NOT NULL,
			payment_id TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS ix_renewals_user_time ON renewal_records (user_id, occurred_at)`,
		`CREATE TABLE IF NOT EXISTS expulsion_records (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			subscription_id BIGINT NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS failed_expulsions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS renewal_notifications (
			subscription_id BIGINT PRIMARY KEY,
			sent_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// UpsertUser implements membergate.Store
func (s *Storage) UpsertUser(ctx context.Context, u *membergate.User) error {
	if u == nil || u.ID == 0 {
		return fmt.Errorf("invalid user")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, first_name, last_name, handle, first_seen)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name,
				handle = EXCLUDED.handle`,
		u.ID, u.FirstName, u.LastName, u.Handle, u.FirstSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser implements membergate.Store
func (s *Storage) GetUser(ctx context.Context, id int64) (*membergate.User, error) {
	var u membergate.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, first_name, last_name, handle, first_seen FROM users WHERE id = $1`,
		id).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Handle, &u.FirstSeen)
	if err == pgx.ErrNoRows {
		return nil, membergate.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

const subscriptionColumns = `id, user_id, plan_id, price, start_at, end_at, status, external_id, recurring`

func scanSubscription(row pgx.Row) (*membergate.Subscription, error) {
	var sub membergate.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Price,
		&sub.Start, &sub.End, &sub.Status, &sub.ExternalID, &sub.Recurring)
	if err == pgx.ErrNoRows {
		return nil, membergate.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

// CreateSubscription implements membergate.Store
func (s *Storage) CreateSubscription(ctx context.Context, sub *membergate.Subscription) (int64, error) {
	if sub == nil || sub.UserID == 0 || !sub.End.After(sub.Start) {
		return 0, membergate.ErrInvalidSubscription
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, plan_id, price, start_at, end_at, status, external_id, recurring)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
		sub.UserID, sub.PlanID, sub.Price, sub.Start, sub.End,
		string(sub.Status), sub.ExternalID, sub.Recurring).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create subscription: %w", err)
	}
	return id, nil
}

// GetSubscription implements membergate.Store
func (s *Storage) GetSubscription(ctx context.Context, id int64) (*membergate.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

// GetActiveSubscription implements membergate.Store
func (s *Storage) GetActiveSubscription(ctx context.Context, userID int64, now time.Time) (*membergate.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status = $2 AND end_at > $3
			ORDER BY id DESC LIMIT 1`,
		userID, string(membergate.StatusActive), now))
}

// FindByExternalID implements membergate.Store
func (s *Storage) FindByExternalID(ctx context.Context, externalID string) (*membergate.Subscription, error) {
	if externalID == "" {
		return nil, membergate.ErrSubscriptionNotFound
	}
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE external_id = $1
			ORDER BY id DESC LIMIT 1`,
		externalID))
}

// UpdateSubscriptionStatus implements membergate.Store
func (s *Storage) UpdateSubscriptionStatus(ctx context.Context, subID int64, status membergate.SubscriptionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $1 WHERE id = $2`,
		string(status), subID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membergate.ErrSubscriptionNotFound
	}
	return nil
}

// ExtendSubscription implements membergate.Store
func (s *Storage) ExtendSubscription(ctx context.Context, subID int64, newEnd time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET end_at = $1, status = $2 WHERE id = $3`,
		newEnd.UTC(), string(membergate.StatusActive), subID)
	if err != nil {
		return fmt.Errorf("failed to extend subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membergate.ErrSubscriptionNotFound
	}
	return nil
}

// HasValidEntitlement implements membergate.Store
func (s *Storage) HasValidEntitlement(ctx context.Context, userID int64, now time.Time) (bool, error) {
	return s.hasValidEntitlement(ctx, userID, now, false)
}

// ignoreGrace drops the grace-window clause; forced sweeps use it so an
// operator can clear in-grace members too.
func (s *Storage) hasValidEntitlement(ctx context.Context, userID int64, now time.Time, ignoreGrace bool) (bool, error) {
	graceLow, graceHigh := now.Add(-s.config.Grace), now.Add(s.config.Grace)
	if ignoreGrace {
		graceLow, graceHigh = now, now.Add(-time.Nanosecond)
	}

	var valid bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM subscriptions
				WHERE user_id = $1 AND status = $2 AND end_at > $3
		) OR EXISTS (
			SELECT 1 FROM subscriptions
				WHERE user_id = $1 AND recurring AND external_id <> ''
					AND end_at BETWEEN $4 AND $5
		) OR EXISTS (
			SELECT 1 FROM renewal_records
				WHERE user_id = $1 AND occurred_at >= $6
		)`,
		userID, string(membergate.StatusActive), now,
		graceLow, graceHigh,
		now.Add(-s.config.RecentRenewalWindow)).Scan(&valid)
	if err != nil {
		return false, fmt.Errorf("failed to check entitlement: %w", err)
	}
	return valid, nil
}

// SweepExpired implements membergate.Store
func (s *Storage) SweepExpired(ctx context.Context, now time.Time, force bool) ([]membergate.ExpiredEntitlement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Retire overdue ACTIVE rows. Recurring externally billed rows inside
	// the trailing grace window are spared unless force is set.
	if force {
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $1 WHERE status = $2 AND end_at <= $3`,
			string(membergate.StatusExpired), string(membergate.StatusActive), now)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $1
				WHERE status = $2 AND end_at <= $3
					AND NOT (recurring AND external_id <> '' AND end_at >= $4)`,
			string(membergate.StatusExpired), string(membergate.StatusActive),
			now, now.Add(-s.config.Grace))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}

	// Newest terminal subscription per user.
	rows, err := tx.Query(ctx,
		`SELECT DISTINCT ON (user_id) user_id, id, plan_id
			FROM subscriptions
			WHERE status = ANY($1)
			ORDER BY user_id, id DESC`,
		[]string{string(membergate.StatusExpired), string(membergate.StatusCancelled)})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}

	var candidates []membergate.ExpiredEntitlement
	for rows.Next() {
		var e membergate.ExpiredEntitlement
		if err := rows.Scan(&e.UserID, &e.SubscriptionID, &e.PlanID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired row: %w", err)
		}
		candidates = append(candidates, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	// Filter out users who still hold a valid entitlement (grace window or
	// fresh renewal); they must not be surfaced for expulsion.
	var out []membergate.ExpiredEntitlement
	for _, c := range candidates {
		valid, err := s.hasValidEntitlement(ctx, c.UserID, now, force)
		if err != nil {
			return nil, err
		}
		if !valid {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListExpiring implements membergate.Store
func (s *Storage) ListExpiring(ctx context.Context, from, to time.Time) ([]*membergate.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1 AND recurring AND external_id <> ''
				AND end_at >= $2 AND end_at < $3
			ORDER BY end_at`,
		string(membergate.StatusActive), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*membergate.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ApplyStatusChange implements membergate.Store
func (s *Storage) ApplyStatusChange(ctx context.Context, req *membergate.StatusChangeRequest) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	inserted, err := insertEventMarker(ctx, tx, req.EventID, req.EventType, &req.SubscriptionID, req.Now)
	if err != nil {
		return false, err
	}
	if !inserted {
		// Duplicate delivery: ack-drop, nothing mutated.
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("failed to commit: %w", err)
		}
		return false, nil
	}

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM subscriptions WHERE id = $1 FOR UPDATE`,
		req.SubscriptionID).Scan(&current)
	if err == pgx.ErrNoRows {
		return false, membergate.ErrSubscriptionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock subscription: %w", err)
	}

	// Cancelled rows never transition out; the marker is kept so the
	// delivery is not retried.
	if membergate.SubscriptionStatus(current) == membergate.StatusCancelled &&
		req.Status != membergate.StatusCancelled {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("failed to commit: %w", err)
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE subscriptions SET status = $1 WHERE id = $2`,
		string(req.Status), req.SubscriptionID); err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// ApplyRenewal implements membergate.Store
func (s *Storage) ApplyRenewal(ctx context.Context, req *membergate.RenewalRequest) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	inserted, err := insertEventMarker(ctx, tx, req.EventID, req.EventType, &req.SubscriptionID, req.Now)
	if err != nil {
		return false, err
	}
	if !inserted {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("failed to commit: %w", err)
		}
		return false, nil
	}

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM subscriptions WHERE id = $1 FOR UPDATE`,
		req.SubscriptionID).Scan(&current)
	if err == pgx.ErrNoRows {
		return false, membergate.ErrSubscriptionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock subscription: %w", err)
	}

	if membergate.SubscriptionStatus(current) == membergate.StatusCancelled {
		// Keep the dedup marker so replays are dropped, but never revive.
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("failed to commit: %w", err)
		}
		return false, membergate.ErrSubscriptionCancelled
	}

	if _, err := tx.Exec(ctx,
		`UPDATE subscriptions SET end_at = $1, status = $2 WHERE id = $3`,
		req.NewEnd.UTC(), string(membergate.StatusActive), req.SubscriptionID); err != nil {
		return false, fmt.Errorf("failed to extend subscription: %w", err)
	}

	if req.Renewal != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO renewal_records
				(subscription_id, user_id, plan_id, amount, previous_end, new_end, payment_id, occurred_at, outcome)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			req.Renewal.SubscriptionID, req.Renewal.UserID, req.Renewal.PlanID,
			req.Renewal.Amount, req.Renewal.PreviousEnd, req.Renewal.NewEnd,
			req.Renewal.PaymentID, req.Renewal.OccurredAt, req.Renewal.Outcome); err != nil {
			return false, fmt.Errorf("failed to record renewal: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

func insertEventMarker(ctx context.Context, tx pgx.Tx, eventID, eventType string, subID *int64, now time.Time) (bool, error) {
	var inserted string
	err := tx.QueryRow(ctx,
		`INSERT INTO processed_events (event_id, event_type, subscription_id, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id, event_type) DO NOTHING
			RETURNING event_id`,
		eventID, eventType, subID, now).Scan(&inserted)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}
	return true, nil
}

// MarkEventProcessed implements membergate.Store
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string, subID *int64, now time.Time) (bool, error) {
	var inserted string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO processed_events (event_id, event_type, subscription_id, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id, event_type) DO NOTHING
			RETURNING event_id`,
		eventID, eventType, subID, now).Scan(&inserted)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}
	return true, nil
}

// IsEventProcessed implements membergate.Store
func (s *Storage) IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1 AND event_type = $2)`,
		eventID, eventType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// SaveInviteLink implements membergate.Store
func (s *Storage) SaveInviteLink(ctx context.Context, link *membergate.InviteLink) (int64, error) {
	if link == nil || link.Link == "" {
		return 0, fmt.Errorf("invalid invite link")
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO invite_links (subscription_id, link, created_at, expires_at, used)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
		link.SubscriptionID, link.Link, link.CreatedAt, link.ExpiresAt, link.Used).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save invite link: %w", err)
	}
	return id, nil
}

// RecordRenewal implements membergate.Store
func (s *Storage) RecordRenewal(ctx context.Context, rec *membergate.RenewalRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO renewal_records
			(subscription_id, user_id, plan_id, amount, previous_end, new_end, payment_id, occurred_at, outcome)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.SubscriptionID, rec.UserID, rec.PlanID, rec.Amount,
		rec.PreviousEnd, rec.NewEnd, rec.PaymentID, rec.OccurredAt, rec.Outcome)
	if err != nil {
		return fmt.Errorf("failed to record renewal: %w", err)
	}
	return nil
}

// RecordExpulsion implements membergate.Store
func (s *Storage) RecordExpulsion(ctx context.Context, rec *membergate.ExpulsionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO expulsion_records (user_id, subscription_id, reason, occurred_at)
			VALUES ($1, $2, $3, $4)`,
		rec.UserID, rec.SubscriptionID, rec.Reason, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record expulsion: %w", err)
	}
	return nil
}

// RecordFailedExpulsion implements membergate.Store
func (s *Storage) RecordFailedExpulsion(ctx context.Context, rec *membergate.FailedExpulsionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_expulsions (user_id, reason, last_error, occurred_at)
			VALUES ($1, $2, $3, $4)`,
		rec.UserID, rec.Reason, rec.LastError, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record failed expulsion: %w", err)
	}
	return nil
}

// ListFailedExpulsions implements membergate.Store
func (s *Storage) ListFailedExpulsions(ctx context.Context, since time.Time) ([]*membergate.FailedExpulsionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, reason, last_error, occurred_at
			FROM failed_expulsions WHERE occurred_at >= $1
			ORDER BY occurred_at`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed expulsions: %w", err)
	}
	defer rows.Close()

	var out []*membergate.FailedExpulsionRecord
	for rows.Next() {
		var rec membergate.FailedExpulsionRecord
		if err := rows.Scan(&rec.UserID, &rec.Reason, &rec.LastError, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed expulsion: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// RecordRenewalNotification implements membergate.Store
func (s *Storage) RecordRenewalNotification(ctx context.Context, subID int64, sentAt time.Time) (bool, error) {
	// A single upsert guarded by the suppression window; the WHERE clause
	// makes the duplicate case a no-op we can detect via RowsAffected.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO renewal_notifications (subscription_id, sent_at)
			VALUES ($1, $2)
			ON CONFLICT (subscription_id) DO UPDATE SET sent_at = EXCLUDED.sent_at
			WHERE renewal_notifications.sent_at <= $3`,
		subID, sentAt, sentAt.Add(-s.config.NotificationSuppression))
	if err != nil {
		return false, fmt.Errorf("failed to record renewal notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Stats implements membergate.Store
func (s *Storage) Stats(ctx context.Context) (*membergate.StoreStats, error) {
	stats := &membergate.StoreStats{}
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM subscriptions WHERE status = 'ACTIVE'),
			(SELECT COUNT(*) FROM subscriptions WHERE status = 'EXPIRED'),
			(SELECT COUNT(*) FROM subscriptions WHERE status = 'CANCELLED'),
			(SELECT COUNT(*) FROM subscriptions WHERE status = 'SUSPENDED'),
			(SELECT COUNT(*) FROM invite_links),
			(SELECT COUNT(*) FROM processed_events),
			(SELECT COUNT(*) FROM renewal_records),
			(SELECT COUNT(*) FROM expulsion_records),
			(SELECT COUNT(*) FROM failed_expulsions),
			(SELECT COUNT(*) FROM renewal_notifications)`).
		Scan(&stats.Users, &stats.ActiveSubscriptions, &stats.ExpiredSubscriptions,
			&stats.CancelledSubs, &stats.SuspendedSubs, &stats.InviteLinks,
			&stats.ProcessedEvents, &stats.Renewals, &stats.Expulsions,
			&stats.FailedExpulsions, &stats.RenewalNotifications)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	return stats, nil
}

// startCleanup runs periodic cleanup of long-expired invite links.
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // best-effort background cleanup
			_ = s.cleanupExpiredLinks(context.Background())
		}
	}
}

func (s *Storage) cleanupExpiredLinks(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.InviteLinkTTL)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM invite_links WHERE expires_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup invite links: %w", err)
	}
	return nil
}

// Cleanup can be called manually to clean up expired invite links.
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupExpiredLinks(ctx)
}
