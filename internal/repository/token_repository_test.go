package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awesome-babushka/auth-service/internal/models"
	appErrors "github.com/awesome-babushka/auth-service/pkg/errors"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func TestInsertRefreshToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Insert(context.Background(), &models.RefreshToken{
		JTI:       "jti-1",
		Username:  "alice",
		FamilyID:  "fam-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRefreshTokenDuplicateID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "refresh_tokens_pkey"})

	err := repo.Insert(context.Background(), &models.RefreshToken{
		JTI:       "jti-1",
		Username:  "alice",
		FamilyID:  "fam-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateTokenID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByJTI(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"jti", "username", "family_id", "expires_at", "created_at", "revoked", "revoked_at", "used_at", "device_id", "ip_address"}).
		AddRow("jti-1", "alice", "fam-1", now.Add(time.Hour), now, false, nil, nil, "dev-1", "10.0.0.1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT jti, username, family_id, expires_at, created_at, revoked, revoked_at, used_at, device_id, ip_address FROM refresh_tokens WHERE jti = $1 LIMIT 1")).
		WithArgs("jti-1").
		WillReturnRows(rows)

	record, err := repo.FindByJTI(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", record.Username)
	assert.Equal(t, "fam-1", record.FamilyID)
	assert.False(t, record.Revoked)
	assert.False(t, record.Consumed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByJTINotFound(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM refresh_tokens WHERE jti").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByJTI(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUsed(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET used_at = $2, revoked = TRUE, revoked_at = $2, device_id = $3, ip_address = $4")).
		WithArgs("jti-1", now, "dev-1", "10.0.0.1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := repo.MarkUsed(context.Background(), "jti-1", "dev-1", "10.0.0.1", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUsedAlreadyConsumed(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	mock.ExpectExec("UPDATE refresh_tokens SET used_at").
		WithArgs("jti-1", now, "dev-1", "10.0.0.1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.MarkUsed(context.Background(), "jti-1", "dev-1", "10.0.0.1", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeReportsStateChange(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE jti = $1 AND revoked = FALSE")).
		WithArgs("jti-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE jti = $1 AND revoked = FALSE")).
		WithArgs("jti-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.Revoke(context.Background(), "jti-1", now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Revoke(context.Background(), "jti-1", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeFamily(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE family_id = $1 AND revoked = FALSE")).
		WithArgs("fam-1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.RevokeFamily(context.Background(), "fam-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAllForUser(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE username = $1 AND revoked = FALSE")).
		WithArgs("alice", now).
		WillReturnResult(sqlmock.NewResult(0, 5))

	count, err := repo.RevokeAllForUser(context.Background(), "alice", now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE expires_at <= $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))

	count, err := repo.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
