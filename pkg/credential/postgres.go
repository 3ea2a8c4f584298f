package credential

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultTable is the table used by PostgresStore.
const DefaultTable = "otp_credentials"

// Querier is the subset of pgxpool.Pool, pgx.Conn and pgx.Tx used by
// PostgresStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps credentials in a PostgreSQL table. Interval updates
// are a single conditional UPDATE, so concurrent writers cannot move the
// interval backwards or persist the same step twice.
type PostgresStore struct {
	db    Querier
	table string
	now   func() time.Time
}

// NewPostgresStore creates a store using db, typically a *pgxpool.Pool.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: pgx.Identifier{DefaultTable}.Sanitize(),
		now:   time.Now,
	}
}

// WithTable returns a copy of the store that uses table. An empty name
// keeps the current table.
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	cp := *s
	if table == "" {
		return &cp
	}
	cp.table = pgx.Identifier{table}.Sanitize()
	return &cp
}

// Migrate creates the credential table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id TEXT PRIMARY KEY,
			secret BYTEA NOT NULL,
			last_validation_interval BIGINT NOT NULL DEFAULT 0 CHECK (last_validation_interval >= 0),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("credential: failed to migrate: %w", err)
	}
	return nil
}

// Create registers secret under a new random id.
func (s *PostgresStore) Create(ctx context.Context, secret []byte) (*Credential, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidSecret
	}

	now := s.now().UTC()
	c := &Credential{
		ID:        uuid.NewString(),
		Secret:    cloneSecret(secret),
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO ` + s.table + ` (id, secret, last_validation_interval, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4)`
	if _, err := s.db.Exec(ctx, query, c.ID, c.Secret, c.CreatedAt, c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("credential: failed to create: %w", err)
	}

	return c, nil
}

// Get returns the credential with the given id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Credential, error) {
	query := `
		SELECT id, secret, last_validation_interval, created_at, updated_at
		FROM ` + s.table + `
		WHERE id = $1`

	var (
		c    Credential
		last int64
	)
	err := s.db.QueryRow(ctx, query, id).Scan(&c.ID, &c.Secret, &last, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credential: failed to get %s: %w", id, err)
	}

	c.LastValidationInterval = uint64(last)
	return &c, nil
}

// Secret returns the credential's secret.
func (s *PostgresStore) Secret(ctx context.Context, id string) ([]byte, error) {
	var secret []byte
	err := s.db.QueryRow(ctx, `SELECT secret FROM `+s.table+` WHERE id = $1`, id).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credential: failed to get secret of %s: %w", id, err)
	}
	return secret, nil
}

// LastValidationInterval returns the last accepted time step.
func (s *PostgresStore) LastValidationInterval(ctx context.Context, id string) (uint64, error) {
	var last int64
	err := s.db.QueryRow(ctx, `SELECT last_validation_interval FROM `+s.table+` WHERE id = $1`, id).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credential: failed to get interval of %s: %w", id, err)
	}
	return uint64(last), nil
}

// SetLastValidationInterval advances the last accepted time step.
func (s *PostgresStore) SetLastValidationInterval(ctx context.Context, id string, interval uint64) error {
	if interval > math.MaxInt64 {
		return fmt.Errorf("credential: interval %d out of range", interval)
	}

	query := `
		UPDATE ` + s.table + `
		SET last_validation_interval = $2, updated_at = $3
		WHERE id = $1 AND last_validation_interval < $2`
	tag, err := s.db.Exec(ctx, query, id, int64(interval), s.now().UTC())
	if err != nil {
		return fmt.Errorf("credential: failed to set interval of %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+s.table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("credential: failed to set interval of %s: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleInterval
}

// Delete removes the credential.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM `+s.table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("credential: failed to delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
