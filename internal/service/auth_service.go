package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/awesome-babushka/auth-service/internal/models"
	"github.com/awesome-babushka/auth-service/internal/token"
	appErrors "github.com/awesome-babushka/auth-service/pkg/errors"
	"github.com/awesome-babushka/auth-service/pkg/jobs"
)

// JobTypeVerificationEmail identifies queued verification mail jobs.
const JobTypeVerificationEmail = "verification_email"

// VerificationEmailPayload is the job payload for outbound mail.
type VerificationEmailPayload struct {
	Email string
	Key   string
}

type authUserRepository interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	MarkVerified(ctx context.Context, email string, ts time.Time) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
}

type activationKeyStore interface {
	PutActivationKey(ctx context.Context, key, email string, ttl time.Duration) error
	TakeActivationKey(ctx context.Context, key string) (string, error)
}

type tokenIssuer interface {
	CreateTokenPair(ctx context.Context, username, deviceID, ipAddress string) (*models.TokenPair, error)
	Revoke(ctx context.Context, jti string) (bool, error)
	Decode(tokenString string, expected token.Type) (*token.Claims, error)
}

type mailEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	EmailEnabled  bool
	ActivationTTL time.Duration
}

// AuthService provides registration, login and verification use cases.
// Token policy lives in TokenService; this layer only binds identities
// to it.
type AuthService struct {
	repo      authUserRepository
	keys      activationKeyStore
	tokens    tokenIssuer
	mailQueue mailEnqueuer
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, keys activationKeyStore, tokens tokenIssuer, mailQueue mailEnqueuer, validate *validator.Validate, logger *zap.Logger, config AuthConfig, now func() time.Time) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if now == nil {
		now = time.Now
	}
	return &AuthService{
		repo:      repo,
		keys:      keys,
		tokens:    tokens,
		mailQueue: mailQueue,
		validator: validate,
		logger:    logger,
		config:    config,
		now:       now,
	}
}

// Register creates a new unverified account and issues an activation
// key. Verification mail goes out asynchronously.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Active:       true,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if appErrors.Is(err, appErrors.ErrConflict) {
			return appErrors.Clone(appErrors.ErrConflict, "user already exists")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register user")
	}

	key := uuid.NewString()
	if err := s.keys.PutActivationKey(ctx, key, req.Email, s.config.ActivationTTL); err != nil {
		s.logger.Warn("failed to store activation key", zap.Error(err))
		return nil
	}

	if s.config.EmailEnabled && s.mailQueue != nil {
		job := jobs.Job{
			ID:      uuid.NewString(),
			Type:    JobTypeVerificationEmail,
			Payload: VerificationEmailPayload{Email: req.Email, Key: key},
		}
		if err := s.mailQueue.Enqueue(job); err != nil {
			s.logger.Warn("failed to enqueue verification email", zap.Error(err))
		}
	}

	return nil
}

// Login authenticates credentials and opens a new token family.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.repo.FindByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid username or password")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid username or password")
	}

	pair, err := s.tokens.CreateTokenPair(ctx, user.Username, req.DeviceID, req.IPAddress)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	return &models.LoginResponse{
		TokenPair: *pair,
		IssuedAt:  s.now().UTC(),
		User: models.UserInfo{
			Username: user.Username,
			Email:    user.Email,
			Verified: user.Verified,
			Active:   user.Active,
		},
	}, nil
}

// VerifyEmail redeems an activation key and marks the account
// verified. Keys redeem once; expiry is enforced by the key store TTL.
func (s *AuthService) VerifyEmail(ctx context.Context, key string) error {
	email, err := s.keys.TakeActivationKey(ctx, key)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrCacheMiss) {
			return appErrors.Clone(appErrors.ErrNotFound, "activation key invalid or expired")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activation key")
	}

	if err := s.repo.MarkVerified(ctx, email, s.now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify user")
	}

	return nil
}

// Logout revokes the presented refresh token after checking it belongs
// to the calling subject. Revoking an already-dead token is a no-op.
func (s *AuthService) Logout(ctx context.Context, refreshToken, subject string) error {
	claims, err := s.tokens.Decode(refreshToken, token.TypeRefresh)
	if err != nil {
		return appErrors.Clone(appErrors.ErrTokenRefresh, "refresh token failed verification")
	}

	if claims.Subject != subject {
		return appErrors.Clone(appErrors.ErrForbidden, "token does not belong to user")
	}

	if _, err := s.tokens.Revoke(ctx, claims.ID); err != nil {
		return err
	}
	return nil
}

// Validate decodes an access token and returns the account it belongs
// to, confirming the subject still exists.
func (s *AuthService) Validate(ctx context.Context, accessToken string) (*models.UserInfo, error) {
	claims, err := s.tokens.Decode(accessToken, token.TypeAccess)
	if err != nil {
		return nil, err
	}

	return s.Profile(ctx, claims.Subject)
}

// Profile returns the directory record behind a verified subject.
func (s *AuthService) Profile(ctx context.Context, username string) (*models.UserInfo, error) {
	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user does not exist")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	return &models.UserInfo{
		Username: user.Username,
		Email:    user.Email,
		Verified: user.Verified,
		Active:   user.Active,
	}, nil
}
