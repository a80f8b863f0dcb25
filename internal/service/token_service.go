package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/awesome-babushka/auth-service/internal/models"
	"github.com/awesome-babushka/auth-service/internal/token"
	appErrors "github.com/awesome-babushka/auth-service/pkg/errors"
)

// tokenRecordStore is the persistence contract for refresh-token
// records. MarkUsed must be atomic with respect to concurrent callers
// presenting the same jti.
type tokenRecordStore interface {
	Insert(ctx context.Context, record *models.RefreshToken) error
	FindByJTI(ctx context.Context, jti string) (*models.RefreshToken, error)
	MarkUsed(ctx context.Context, jti, deviceID, ipAddress string, now time.Time) (bool, error)
	Revoke(ctx context.Context, jti string, now time.Time) (bool, error)
	RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, username string, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// subjectResolver supplies the canonical subject a token embeds. The
// user directory implements it; the lifecycle manager stores no user
// profiles itself.
type subjectResolver interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
}

// TokenConfig carries the expiry policy for issued tokens. The access
// window is minutes, the refresh window weeks.
type TokenConfig struct {
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// TokenService owns the token lifecycle: pair issuance, rotation with
// reuse detection, and revocation. It is safe for concurrent use; the
// single-use guarantee rests on the store's conditional update, not on
// in-process locking.
type TokenService struct {
	codec    *token.Codec
	store    tokenRecordStore
	identity subjectResolver
	metrics  *MetricsService
	logger   *zap.Logger
	config   TokenConfig
	now      func() time.Time
}

// NewTokenService constructs a TokenService. A nil clock defaults to
// time.Now.
func NewTokenService(codec *token.Codec, store tokenRecordStore, identity subjectResolver, metrics *MetricsService, logger *zap.Logger, config TokenConfig, now func() time.Time) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		codec:    codec,
		store:    store,
		identity: identity,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		now:      now,
	}
}

// CreateTokenPair issues an access/refresh pair for a fresh login,
// opening a new token family.
func (s *TokenService) CreateTokenPair(ctx context.Context, username, deviceID, ipAddress string) (*models.TokenPair, error) {
	user, err := s.identity.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unknown subject")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve subject")
	}

	return s.issuePair(ctx, user.Username, uuid.NewString(), deviceID, ipAddress)
}

// Refresh exchanges a refresh token for a new pair. A token may be
// exchanged exactly once; presenting it again revokes its entire
// family and reports reuse.
func (s *TokenService) Refresh(ctx context.Context, presented, deviceID, ipAddress string) (*models.TokenPair, error) {
	claims, err := s.codec.Decode(presented, token.TypeRefresh)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTokenRefresh.Code, appErrors.ErrTokenRefresh.Status, "refresh token failed verification")
	}

	record, err := s.store.FindByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTokenRefresh, "refresh token is not recognized")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token record")
	}

	now := s.now().UTC()

	if record.Consumed() || record.Revoked {
		return nil, s.reportReuse(ctx, record, now)
	}

	if now.After(record.ExpiresAt) {
		if _, err := s.store.Revoke(ctx, record.JTI, now); err != nil {
			s.logger.Warn("failed to revoke expired refresh token", zap.String("jti", record.JTI), zap.Error(err))
		}
		return nil, appErrors.Clone(appErrors.ErrTokenRefresh, "refresh token expired")
	}

	consumed, err := s.store.MarkUsed(ctx, record.JTI, deviceID, ipAddress, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume refresh token")
	}
	if !consumed {
		// Lost the consumption race; the token was spent between the
		// lookup and the conditional update.
		return nil, s.reportReuse(ctx, record, now)
	}

	pair, err := s.issuePair(ctx, record.Username, record.FamilyID, deviceID, ipAddress)
	if err != nil {
		return nil, err
	}

	s.metrics.RotationCompleted()
	return pair, nil
}

// Revoke marks a single refresh token revoked (explicit logout).
// Returns whether a state change occurred.
func (s *TokenService) Revoke(ctx context.Context, jti string) (bool, error) {
	changed, err := s.store.Revoke(ctx, jti, s.now().UTC())
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	if changed {
		s.metrics.Revoked("single", 1)
	}
	return changed, nil
}

// RevokeFamily revokes every live token in a family and returns the
// count of newly revoked records.
func (s *TokenService) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	count, err := s.store.RevokeFamily(ctx, familyID, s.now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke token family")
	}
	s.metrics.Revoked("family", count)
	return count, nil
}

// RevokeAllForUser revokes every live token the user holds, across all
// families.
func (s *TokenService) RevokeAllForUser(ctx context.Context, username string) (int64, error) {
	count, err := s.store.RevokeAllForUser(ctx, username, s.now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user tokens")
	}
	s.metrics.Revoked("user", count)
	return count, nil
}

// Decode verifies a token of the expected type and returns its claims.
// Every decode failure collapses to INVALID_TOKEN.
func (s *TokenService) Decode(tokenString string, expected token.Type) (*token.Claims, error) {
	claims, err := s.codec.Decode(tokenString, expected)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, "invalid token")
	}
	return claims, nil
}

// StartCleanup launches the expiry-driven purge loop. It stops when
// ctx is cancelled.
func (s *TokenService) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := s.store.DeleteExpired(ctx, s.now().UTC())
				if err != nil {
					s.logger.Warn("refresh token cleanup failed", zap.Error(err))
					continue
				}
				if purged > 0 {
					s.logger.Info("purged expired refresh tokens", zap.Int64("count", purged))
				}
			}
		}
	}()
}

// reportReuse revokes the family eagerly before returning, so the
// compromised chain is inert even if the caller drops the error.
func (s *TokenService) reportReuse(ctx context.Context, record *models.RefreshToken, now time.Time) error {
	count, err := s.store.RevokeFamily(ctx, record.FamilyID, now)
	if err != nil {
		s.logger.Error("failed to revoke family after reuse detection",
			zap.String("family_id", record.FamilyID), zap.Error(err))
	}

	s.metrics.ReuseDetected()
	s.metrics.Revoked("family", count)
	s.logger.Warn("refresh token reuse detected",
		zap.String("jti", record.JTI),
		zap.String("family_id", record.FamilyID),
		zap.String("username", record.Username),
		zap.Int64("revoked", count))

	return appErrors.Clone(appErrors.ErrTokenReuse, "refresh token reuse detected; session family revoked")
}

func (s *TokenService) issuePair(ctx context.Context, subject, familyID, deviceID, ipAddress string) (*models.TokenPair, error) {
	access, _, err := s.codec.Mint(subject, token.TypeAccess, s.config.AccessExpiry)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mint access token")
	}

	refresh, refreshClaims, err := s.codec.Mint(subject, token.TypeRefresh, s.config.RefreshExpiry)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mint refresh token")
	}

	record := &models.RefreshToken{
		JTI:       refreshClaims.ID,
		Username:  subject,
		FamilyID:  familyID,
		ExpiresAt: refreshClaims.ExpiresAt.Time,
		CreatedAt: refreshClaims.IssuedAt.Time,
		DeviceID:  deviceID,
		IPAddress: ipAddress,
	}
	if err := s.store.Insert(ctx, record); err != nil {
		return nil, err
	}

	s.metrics.PairIssued()
	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.config.AccessExpiry.Seconds()),
	}, nil
}
