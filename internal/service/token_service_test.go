package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/awesome-babushka/auth-service/internal/models"
	"github.com/awesome-babushka/auth-service/internal/token"
	appErrors "github.com/awesome-babushka/auth-service/pkg/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memoryTokenStore mimics the conditional updates of the Postgres
// repository, mutex-guarded so the race test exercises real contention.
type memoryTokenStore struct {
	mu      sync.Mutex
	records map[string]*models.RefreshToken
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{records: make(map[string]*models.RefreshToken)}
}

func (s *memoryTokenStore) Insert(_ context.Context, record *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.JTI]; ok {
		return appErrors.Clone(appErrors.ErrDuplicateTokenID, "refresh token id already exists")
	}
	clone := *record
	s.records[record.JTI] = &clone
	return nil
}

func (s *memoryTokenStore) FindByJTI(_ context.Context, jti string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jti]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *record
	return &clone, nil
}

func (s *memoryTokenStore) MarkUsed(_ context.Context, jti, deviceID, ipAddress string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jti]
	if !ok || record.UsedAt != nil || record.Revoked {
		return false, nil
	}
	ts := now
	record.UsedAt = &ts
	record.Revoked = true
	record.RevokedAt = &ts
	record.DeviceID = deviceID
	record.IPAddress = ipAddress
	return true, nil
}

func (s *memoryTokenStore) Revoke(_ context.Context, jti string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jti]
	if !ok || record.Revoked {
		return false, nil
	}
	ts := now
	record.Revoked = true
	record.RevokedAt = &ts
	return true, nil
}

func (s *memoryTokenStore) RevokeFamily(_ context.Context, familyID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, record := range s.records {
		if record.FamilyID == familyID && !record.Revoked {
			ts := now
			record.Revoked = true
			record.RevokedAt = &ts
			count++
		}
	}
	return count, nil
}

func (s *memoryTokenStore) RevokeAllForUser(_ context.Context, username string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, record := range s.records {
		if record.Username == username && !record.Revoked {
			ts := now
			record.Revoked = true
			record.RevokedAt = &ts
			count++
		}
	}
	return count, nil
}

func (s *memoryTokenStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for jti, record := range s.records {
		if !record.ExpiresAt.After(now) {
			delete(s.records, jti)
			count++
		}
	}
	return count, nil
}

func (s *memoryTokenStore) get(jti string) *models.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jti]
	if !ok {
		return nil
	}
	clone := *record
	return &clone
}

func (s *memoryTokenStore) setExpiry(jti string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[jti]; ok {
		record.ExpiresAt = at
	}
}

type staticResolver struct {
	users map[string]*models.User
}

func (r *staticResolver) FindByUsername(_ context.Context, username string) (*models.User, error) {
	user, ok := r.users[username]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func newTestTokenService(t *testing.T) (*TokenService, *memoryTokenStore, *token.Codec, *fakeClock) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	clock := newFakeClock(time.Now())
	codec := token.NewCodec(key, &key.PublicKey, "awesome-babushka-auth-service", "awesome-babushka-users", clock.Now)
	store := newMemoryTokenStore()
	resolver := &staticResolver{users: map[string]*models.User{
		"alice": {ID: "u1", Username: "alice", Email: "alice@example.com", Active: true},
		"bob":   {ID: "u2", Username: "bob", Email: "bob@example.com", Active: true},
	}}

	svc := NewTokenService(codec, store, resolver, NewMetricsService(), zap.NewNop(), TokenConfig{
		AccessExpiry:  30 * time.Minute,
		RefreshExpiry: 720 * time.Hour,
	}, clock.Now)
	return svc, store, codec, clock
}

func refreshJTI(t *testing.T, codec *token.Codec, refreshToken string) string {
	t.Helper()
	claims, err := codec.Decode(refreshToken, token.TypeRefresh)
	require.NoError(t, err)
	return claims.ID
}

func TestCreateTokenPair(t *testing.T) {
	svc, store, codec, _ := newTestTokenService(t)

	pair, err := svc.CreateTokenPair(context.Background(), "alice", "dev-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64(1800), pair.ExpiresIn)

	access, err := codec.Decode(pair.AccessToken, token.TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "alice", access.Subject)

	jti := refreshJTI(t, codec, pair.RefreshToken)
	record := store.get(jti)
	require.NotNil(t, record)
	assert.Equal(t, "alice", record.Username)
	assert.NotEmpty(t, record.FamilyID)
	assert.Equal(t, "dev-1", record.DeviceID)
	assert.False(t, record.Revoked)
	assert.False(t, record.Consumed())
}

func TestCreateTokenPairUnknownSubject(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)

	_, err := svc.CreateTokenPair(context.Background(), "ghost", "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestRefreshRotatesWithinFamily(t *testing.T) {
	svc, store, codec, _ := newTestTokenService(t)
	ctx := context.Background()

	pair1, err := svc.CreateTokenPair(ctx, "alice", "dev-1", "10.0.0.1")
	require.NoError(t, err)
	jti1 := refreshJTI(t, codec, pair1.RefreshToken)
	family := store.get(jti1).FamilyID

	pair2, err := svc.Refresh(ctx, pair1.RefreshToken, "dev-1", "10.0.0.2")
	require.NoError(t, err)
	jti2 := refreshJTI(t, codec, pair2.RefreshToken)
	require.NotEqual(t, jti1, jti2)

	old := store.get(jti1)
	assert.True(t, old.Consumed())
	assert.True(t, old.Revoked)
	assert.Equal(t, "10.0.0.2", old.IPAddress)

	fresh := store.get(jti2)
	assert.Equal(t, family, fresh.FamilyID)
	assert.False(t, fresh.Revoked)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	svc, store, codec, _ := newTestTokenService(t)
	ctx := context.Background()

	pair1, err := svc.CreateTokenPair(ctx, "alice", "dev-1", "10.0.0.1")
	require.NoError(t, err)

	pair2, err := svc.Refresh(ctx, pair1.RefreshToken, "dev-1", "10.0.0.1")
	require.NoError(t, err)
	jti2 := refreshJTI(t, codec, pair2.RefreshToken)

	// Replay of the consumed token kills the whole chain.
	_, err = svc.Refresh(ctx, pair1.RefreshToken, "dev-2", "10.6.6.6")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenReuse))
	assert.True(t, store.get(jti2).Revoked)

	// The still-unconsumed descendant is now dead too.
	_, err = svc.Refresh(ctx, pair2.RefreshToken, "dev-1", "10.0.0.1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenReuse))
}

func TestRefreshUnknownRecord(t *testing.T) {
	svc, _, codec, _ := newTestTokenService(t)

	signed, _, err := codec.Mint("alice", token.TypeRefresh, time.Hour)
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), signed, "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRefresh))
}

func TestRefreshRejectsMalformedToken(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)

	_, err := svc.Refresh(context.Background(), "not.a.token", "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRefresh))
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, "alice", "", "")
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, pair.AccessToken, "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRefresh))
}

func TestRefreshExpiredRecord(t *testing.T) {
	svc, store, codec, clock := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, "alice", "", "")
	require.NoError(t, err)
	jti := refreshJTI(t, codec, pair.RefreshToken)

	store.setExpiry(jti, clock.Now().Add(-time.Minute))

	_, err = svc.Refresh(ctx, pair.RefreshToken, "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRefresh))
	assert.True(t, store.get(jti).Revoked)
}

func TestRefreshConcurrentSingleUse(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, "alice", "dev-1", "10.0.0.1")
	require.NoError(t, err)

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(ctx, pair.RefreshToken, "dev-1", "10.0.0.1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, reused int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case appErrors.Is(err, appErrors.ErrTokenReuse):
			reused++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, reused)
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc, _, codec, _ := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, "alice", "", "")
	require.NoError(t, err)
	jti := refreshJTI(t, codec, pair.RefreshToken)

	changed, err := svc.Revoke(ctx, jti)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.Revoke(ctx, jti)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRevokeFamilyIsIdempotent(t *testing.T) {
	svc, store, codec, _ := newTestTokenService(t)
	ctx := context.Background()

	pair1, err := svc.CreateTokenPair(ctx, "alice", "", "")
	require.NoError(t, err)
	pair2, err := svc.Refresh(ctx, pair1.RefreshToken, "", "")
	require.NoError(t, err)

	family := store.get(refreshJTI(t, codec, pair2.RefreshToken)).FamilyID

	count, err := svc.RevokeFamily(ctx, family)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = svc.RevokeFamily(ctx, family)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRevokeAllForUserLeavesOthersAlone(t *testing.T) {
	svc, store, codec, _ := newTestTokenService(t)
	ctx := context.Background()

	alicePair1, err := svc.CreateTokenPair(ctx, "alice", "", "")
	require.NoError(t, err)
	alicePair2, err := svc.CreateTokenPair(ctx, "alice", "", "")
	require.NoError(t, err)
	bobPair, err := svc.CreateTokenPair(ctx, "bob", "", "")
	require.NoError(t, err)

	count, err := svc.RevokeAllForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	assert.True(t, store.get(refreshJTI(t, codec, alicePair1.RefreshToken)).Revoked)
	assert.True(t, store.get(refreshJTI(t, codec, alicePair2.RefreshToken)).Revoked)
	assert.False(t, store.get(refreshJTI(t, codec, bobPair.RefreshToken)).Revoked)
}

func TestDecodeCollapsesFailures(t *testing.T) {
	svc, _, _, clock := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, "alice", "", "")
	require.NoError(t, err)

	claims, err := svc.Decode(pair.AccessToken, token.TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	_, err = svc.Decode(pair.RefreshToken, token.TypeAccess)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidToken))

	clock.Advance(31 * time.Minute)
	_, err = svc.Decode(pair.AccessToken, token.TypeAccess)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidToken))
}
