package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/awesome-babushka/auth-service/internal/models"
	appErrors "github.com/awesome-babushka/auth-service/pkg/errors"
)

// TokenRepository provides database access for refresh-token records.
// All state transitions go through conditional updates; nothing here
// ever overwrites a record blindly.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Insert persists a freshly issued refresh-token record. The jti is
// globally unique; a collision is an invariant breach surfaced as
// DUPLICATE_TOKEN_ID rather than retried.
func (r *TokenRepository) Insert(ctx context.Context, record *models.RefreshToken) error {
	const query = `INSERT INTO refresh_tokens (jti, username, family_id, expires_at, created_at, revoked, revoked_at, used_at, device_id, ip_address)
		VALUES (:jti, :username, :family_id, :expires_at, :created_at, :revoked, :revoked_at, :used_at, :device_id, :ip_address)`
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return appErrors.Wrap(err, appErrors.ErrDuplicateTokenID.Code, appErrors.ErrDuplicateTokenID.Status, "refresh token id already exists")
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// FindByJTI returns a refresh-token record by its unique id.
func (r *TokenRepository) FindByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	const query = `SELECT jti, username, family_id, expires_at, created_at, revoked, revoked_at, used_at, device_id, ip_address FROM refresh_tokens WHERE jti = $1 LIMIT 1`
	var record models.RefreshToken
	if err := r.db.GetContext(ctx, &record, query, jti); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &record, nil
}

// MarkUsed consumes the record exactly once. The single conditional
// UPDATE is the mutual-exclusion point for concurrent refreshes: of N
// callers presenting the same token, one observes a row change and
// every other observes none. Consumption and revocation collapse into
// the same transition so a consumed token can never race through a
// later reuse check.
func (r *TokenRepository) MarkUsed(ctx context.Context, jti, deviceID, ipAddress string, now time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET used_at = $2, revoked = TRUE, revoked_at = $2, device_id = $3, ip_address = $4
		WHERE jti = $1 AND used_at IS NULL AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, jti, now, deviceID, ipAddress)
	if err != nil {
		return false, fmt.Errorf("mark refresh token used: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark refresh token used: %w", err)
	}
	return rows == 1, nil
}

// Revoke marks a single record revoked. Idempotent; reports whether a
// state change occurred.
func (r *TokenRepository) Revoke(ctx context.Context, jti string, now time.Time) (bool, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE jti = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, jti, now)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return rows == 1, nil
}

// RevokeFamily revokes every non-revoked record descended from one
// login. Returns the number of newly revoked records.
func (r *TokenRepository) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE family_id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, familyID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	return rows, nil
}

// RevokeAllForUser revokes every non-revoked record across all of the
// user's families.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, username string, now time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE username = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, username, now)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return rows, nil
}

// DeleteExpired purges records whose expiry has elapsed, whatever
// their state. Validity is governed by the signed claim, so purge
// timing is housekeeping, not security.
func (r *TokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return rows, nil
}
