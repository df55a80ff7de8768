package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// PersistentStore implements Store on PostgreSQL. Revoked tokens are soft
// deleted so the issuance record survives for audit.
type PersistentStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistentStore creates a token store over an existing database pool.
func NewPersistentStore(db *sql.DB, logger *slog.Logger) *PersistentStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PersistentStore{db: db, logger: logger}
}

// FindByToken resolves a plaintext token by bcrypt comparison against every
// active token's hash. Bcrypt salts make hash lookup impossible, so this is
// a scan; deployments hold a handful of tokens, so the cost is bounded.
func (s *PersistentStore) FindByToken(ctx context.Context, token string) (*ServiceToken, bool) {
	if token == "" {
		return nil, false
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_hash, client_id, name, created_at, expires_at, active
		FROM service_tokens
		WHERE active = TRUE
	`)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to query service tokens", slog.String("error", err.Error()))

		return nil, false
	}

	defer func() { _ = rows.Close() }()

	var found *ServiceToken

	for rows.Next() {
		var t ServiceToken

		if err := rows.Scan(&t.ID, &t.Token, &t.ClientID, &t.Name, &t.CreatedAt, &t.ExpiresAt, &t.Active); err != nil {
			continue
		}

		if Compare(t.Token, token) {
			t.Token = Mask(t.Token)
			found = &t

			break
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.ErrorContext(ctx, "failed to scan service tokens", slog.String("error", err.Error()))

		return nil, false
	}

	return found, found != nil
}

// Add hashes and inserts a new token.
func (s *PersistentStore) Add(ctx context.Context, t *ServiceToken) error {
	if t == nil {
		return ErrTokenNil
	}

	if existing, dup := s.FindByToken(ctx, t.Token); dup && existing != nil {
		return ErrTokenAlreadyExists
	}

	hash, err := Hash(t.Token)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_tokens (id, token_hash, client_id, name, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, hash, t.ClientID, t.Name, t.CreatedAt, t.ExpiresAt, t.Active)
	if err != nil {
		return fmt.Errorf("failed to insert service token: %w", err)
	}

	return nil
}

// Revoke deactivates a token by ID.
func (s *PersistentStore) Revoke(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return ErrTokenNotFound
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE service_tokens SET active = FALSE WHERE id = $1
	`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke service token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrTokenNotFound
	}

	return nil
}

// HealthCheck verifies database connectivity.
func (s *PersistentStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("token store unhealthy: %w", err)
	}

	return nil
}
