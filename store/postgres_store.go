package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const queryTimeout = 5 * time.Second

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = buildPostgresDSNFromEnv()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

func buildPostgresDSNFromEnv() string {
	host := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("POSTGRES_PORT"))
	if port == "" {
		port = "5432"
	}
	db := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
	if db == "" {
		db = "vpnshop"
	}
	user := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
	if user == "" {
		user = "vpnshop"
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", urlEscape(user), urlEscape(pass), host, port, db)
}

func urlEscape(s string) string {
	r := strings.NewReplacer(
		"%", "%25",
		":", "%3A",
		"/", "%2F",
		"@", "%40",
		"?", "%3F",
		"#", "%23",
		"[", "%5B",
		"]", "%5D",
	)
	return r.Replace(s)
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// WithTx runs fn in a single database transaction. Rollback after a successful commit is a no-op.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx types.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const userColumns = `user_id, username, first_name, language_code, is_banned, panel_user_uuid, referred_by_id, trial_used, created_at, updated_at`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.Language, &u.Banned, &u.PanelUUID, &u.ReferredBy, &u.TrialUsed, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

const subscriptionColumns = `user_id, expires_at, traffic_limit_bytes, resource_groups, source, notified_expires_at, notified_stage, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		sub    types.Subscription
		source string
	)
	err := row.Scan(&sub.UserID, &sub.ExpiresAt, &sub.TrafficLimitBytes, &sub.ResourceGroups, &source, &sub.NotifiedExpiresAt, &sub.NotifiedStage, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	sub.Source = types.SubscriptionSource(source)
	return &sub, nil
}

const attemptColumns = `id::text, user_id, provider, external_ref, amount::text, currency, duration_days, status, credited, COALESCE(rejection_reason, ''), created_at, confirmed_at`

func scanAttempt(row pgx.Row) (*types.PaymentAttempt, error) {
	var (
		a      types.PaymentAttempt
		amount string
		status string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.ExternalRef, &amount, &a.Currency, &a.DurationDays, &status, &a.Credited, &a.RejectionReason, &a.CreatedAt, &a.ConfirmedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	a.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("attempt %s amount: %w", a.ID, err)
	}
	a.Status = types.PaymentStatus(status)
	return &a, nil
}

const syncColumns = `user_id, remote_expires_at, remote_traffic_limit_bytes, remote_resource_groups, remote_status, generation, pending, attempts, COALESCE(last_error, ''), last_synced_at, updated_at`

func scanSyncRecord(row pgx.Row) (*types.PanelSyncRecord, error) {
	var r types.PanelSyncRecord
	err := row.Scan(&r.UserID, &r.RemoteExpiresAt, &r.RemoteTrafficLimitBytes, &r.RemoteResourceGroups, &r.RemoteStatus, &r.Generation, &r.Pending, &r.Attempts, &r.LastError, &r.LastSyncedAt, &r.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// mapUpsertUserErr reports a missing referrer row the way MemoryStore does.
func mapUpsertUserErr(err error) error {
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: referrer: %v", types.ErrNotFound, err)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetSubscription(ctx context.Context, userID int64) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanSubscription(s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetSyncRecord(ctx context.Context, userID int64) (*types.PanelSyncRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanSyncRecord(s.pool.QueryRow(ctx, `SELECT `+syncColumns+` FROM panel_sync_records WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetAttempt(ctx context.Context, provider, externalRef string) (*types.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanAttempt(s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE provider = $1 AND external_ref = $2`, provider, externalRef))
}

func (s *PostgresStore) ListUserIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM users WHERE user_id > $1 ORDER BY user_id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PostgresStore) ListSyncPending(ctx context.Context, limit int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT p.user_id
FROM panel_sync_records p
JOIN users u ON u.user_id = p.user_id
WHERE p.pending
ORDER BY p.updated_at
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PostgresStore) ListUncreditedAttempts(ctx context.Context, after types.AttemptCursor, limit int) ([]types.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	args := []any{limit}
	keyset := ""
	if !after.IsZero() {
		keyset = `AND (COALESCE(confirmed_at, created_at), id) > ($2, $3::uuid)`
		args = append(args, after.At, after.ID)
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+attemptColumns+`
FROM payment_attempts
WHERE status = 'confirmed' AND NOT credited `+keyset+`
ORDER BY COALESCE(confirmed_at, created_at), id
LIMIT $1
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListExpiryCandidates returns subscriptions of non-banned users expiring in (from, to].
func (s *PostgresStore) ListExpiryCandidates(ctx context.Context, from, to time.Time) ([]types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT s.user_id, s.expires_at, s.traffic_limit_bytes, s.resource_groups, s.source,
       s.notified_expires_at, s.notified_stage, s.created_at, s.updated_at
FROM subscriptions s
JOIN users u ON u.user_id = s.user_id
WHERE s.expires_at > $1 AND s.expires_at <= $2 AND NOT u.is_banned
ORDER BY s.expires_at
`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}
