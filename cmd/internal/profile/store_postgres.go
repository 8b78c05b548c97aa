package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gearhub/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// The pool is owned by the caller; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "gearhub").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("profile: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("profile: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "gearhub"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("profile: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks connectivity (readiness probe).
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}

	var (
		p           Profile
		displayName *string
		avatarURL   *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT email, display_name, avatar_url, created_at, updated_at, last_login_at
		   FROM `+pgIdent(s.schema, "profiles")+`
		  WHERE user_id = $1::uuid`,
		userID.String(),
	).Scan(&p.Email, &displayName, &avatarURL, &p.CreatedAt, &p.UpdatedAt, &p.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get profile: %w", err)
	}

	p.UserID = userID
	if displayName != nil {
		p.DisplayName = *displayName
	}
	if avatarURL != nil {
		p.AvatarURL = *avatarURL
	}
	return &p, nil
}

// GetUserAnalytics returns a zero snapshot for identities without activity.
func (s *PostgresStore) GetUserAnalytics(ctx context.Context, userID uuid.UUID) (*Analytics, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}

	a := Analytics{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT bookings_total, bookings_active, spend_cents, last_activity_at
		   FROM `+pgIdent(s.schema, "user_analytics")+`
		  WHERE user_id = $1::uuid`,
		userID.String(),
	).Scan(&a.BookingsTotal, &a.BookingsActive, &a.SpendCents, &a.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get analytics: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetUnreadNotificationCount(ctx context.Context, userID uuid.UUID) (int, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+pgIdent(s.schema, "notifications")+`
		  WHERE user_id = $1::uuid AND read_at IS NULL`,
		userID.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("profile: count unread: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) LogAuditEvent(ctx context.Context, ev AuditEvent) error {
	if ev.Action == "" {
		return ErrInvalidInput
	}
	if ev.ID == "" {
		id, err := ids.New(ev.At)
		if err != nil {
			return fmt.Errorf("profile: audit id: %w", err)
		}
		ev.ID = id
	} else if !ids.Valid(ev.ID) {
		return ErrInvalidInput
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	meta := []byte("{}")
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("profile: audit metadata: %w", err)
		}
		meta = b
	}

	var userID *string
	if ev.UserID != uuid.Nil {
		uid := ev.UserID.String()
		userID = &uid
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "audit_log")+` (id, user_id, action, metadata, created_at)
		 VALUES ($1, $2::uuid, $3, $4::jsonb, $5)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, userID, ev.Action, string(meta), ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("profile: insert audit event: %w", err)
	}
	return nil
}

// TouchLastLogin is a no-op for identities without a profile row.
func (s *PostgresStore) TouchLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "profiles")+`
		    SET last_login_at = $2, updated_at = now()
		  WHERE user_id = $1::uuid`,
		userID.String(), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("profile: touch last login: %w", err)
	}
	return nil
}

// Migrate creates the tables this store reads, if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("profile: create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL(s.schema)); err != nil {
		return fmt.Errorf("profile: apply schema: %w", err)
	}
	return nil
}

func schemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  user_id       UUID PRIMARY KEY,
  email         TEXT NOT NULL,
  display_name  TEXT,
  avatar_url    TEXT,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_login_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %[2]s (
  user_id          UUID PRIMARY KEY REFERENCES %[1]s(user_id) ON DELETE CASCADE,
  bookings_total   INTEGER NOT NULL DEFAULT 0,
  bookings_active  INTEGER NOT NULL DEFAULT 0,
  spend_cents      BIGINT NOT NULL DEFAULT 0,
  last_activity_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %[3]s (
  id         TEXT PRIMARY KEY,
  user_id    UUID NOT NULL,
  type       TEXT NOT NULL,
  title      TEXT NOT NULL DEFAULT '',
  body       TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  read_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS notifications_unread_idx ON %[3]s (user_id) WHERE read_at IS NULL;

CREATE TABLE IF NOT EXISTS %[4]s (
  id         TEXT PRIMARY KEY,
  user_id    UUID,
  action     TEXT NOT NULL,
  metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`,
		pgIdent(schema, "profiles"),
		pgIdent(schema, "user_analytics"),
		pgIdent(schema, "notifications"),
		pgIdent(schema, "audit_log"),
	)
}

var pgIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
