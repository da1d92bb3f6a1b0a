package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wace-auth/internal/apperr"
	"wace-auth/internal/models"
	"wace-auth/internal/retry"
	"wace-auth/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// noTTL ignores expiry so tests can observe records the store must treat as expired.
type noTTL struct {
	*storage.Memory
}

func (n noTTL) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	return n.Memory.Put(ctx, key, value, 0)
}

// flaky fails the first failures calls to Put.
type flaky struct {
	storage.Storage
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flaky) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.Storage.Put(ctx, key, value, ttl)
}

func fastPolicy() retry.Policy {
	return retry.Policy{Timeout: 100 * time.Millisecond, MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func newTestStore(t *testing.T, st storage.Storage, c *clock) *Store {
	t.Helper()
	return New(st, WithClock(c.Now), WithPolicy(fastPolicy()), WithLogger(zap.NewNop()))
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func testUser(id, email string) *models.User {
	return &models.User{ID: id, Email: email, Name: "Founder", PasswordHash: "hash", Role: models.RoleUser}
}

func TestUsers_CreateAndLookup(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, testUser("u1", "Founder@Wace.io")))

	u, err := s.GetUserByEmail(ctx, "FOUNDER@wace.io")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "founder@wace.io", u.Email)
	assert.Equal(t, c.Now(), u.CreatedAt)

	byID, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, u, byID)

	exists, err := s.UserExists(ctx, " founder@wace.io ")
	require.NoError(t, err)
	assert.True(t, exists)

	missing, err := s.GetUserByEmail(ctx, "nobody@wace.io")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUsers_CreateConflict(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, testUser("u1", "a@x.io")))
	err := s.CreateUser(ctx, testUser("u2", "A@X.IO"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestUsers_UpdateMergesAndBumps(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, testUser("u1", "a@x.io")))
	c.Advance(time.Minute)

	updated, err := s.UpdateUser(ctx, "u1", func(u *models.User) {
		u.IsVerified = true
		u.Email = "hijack@x.io"
		u.ID = "other"
	})
	require.NoError(t, err)
	assert.True(t, updated.IsVerified)
	assert.Equal(t, "u1", updated.ID)
	assert.Equal(t, "a@x.io", updated.Email)
	assert.Equal(t, c.Now(), updated.UpdatedAt)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	_, err = s.UpdateUser(ctx, "missing", func(*models.User) {})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUsers_ReturnedValuesDoNotAliasCache(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, testUser("u1", "a@x.io")))
	u, _ := s.GetUserByID(ctx, "u1")
	u.Name = "mutated"

	again, _ := s.GetUserByID(ctx, "u1")
	assert.Equal(t, "Founder", again.Name)
}

func TestCache_ReadRepairAfterMiss(t *testing.T) {
	c := newClock()
	mem := storage.NewMemoryWithClock(c.Now)
	ctx := context.Background()

	writer := newTestStore(t, mem, c)
	reader := newTestStore(t, mem, c)

	require.NoError(t, writer.CreateUser(ctx, testUser("u1", "a@x.io")))

	u, err := reader.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u)

	// The record now sits in reader's cache; a storage-side delete is not
	// visible until the cache entry times out.
	require.NoError(t, mem.Delete(ctx, "users:u1"))
	u, _ = reader.GetUserByID(ctx, "u1")
	assert.NotNil(t, u)

	c.Advance(userCacheTTL + time.Second)
	u, err = reader.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSessions_Lifecycle(t *testing.T) {
	c := newClock()
	mem := storage.NewMemoryWithClock(c.Now)
	s := newTestStore(t, mem, c)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, s.CreateSession(ctx, &models.Session{
			ID: id, UserID: "u1", RefreshToken: "rt-" + id, ExpiresAt: c.Now().Add(24 * time.Hour),
		}))
	}
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "s3", UserID: "u2", ExpiresAt: c.Now().Add(time.Hour)}))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rt-s1", got.RefreshToken)

	sessions, err := s.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, s.DeleteSession(ctx, "s1"))

	n, err := s.ClearUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sessions, err = s.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	other, err := s.GetSession(ctx, "s3")
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestSessions_ExpiredAreEvictedEvenIfStorageKeepsThem(t *testing.T) {
	c := newClock()
	mem := storage.NewMemoryWithClock(c.Now)
	s := newTestStore(t, noTTL{mem}, c)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "s1", UserID: "u1", ExpiresAt: c.Now().Add(2 * time.Minute)}))
	got, _ := s.GetSession(ctx, "s1")
	require.NotNil(t, got)

	c.Advance(2 * time.Minute)
	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = mem.Get(ctx, "sessions:s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = mem.Get(ctx, "user_sessions:u1:s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessions_RotationMarker(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	ctx := context.Background()

	owner, err := s.RotatedOwner(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, s.MarkRotated(ctx, "s1", "u1", c.Now().Add(time.Hour)))
	owner, err = s.RotatedOwner(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)

	c.Advance(time.Hour + time.Second)
	owner, err = s.RotatedOwner(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	owner, err = s.RotatedOwner(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestOTP_Operations(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	ctx := context.Background()

	require.NoError(t, s.CreateOTP(ctx, &models.OTPRecord{Email: "A@x.io", Code: "111111", ExpiresAt: c.Now().Add(5 * time.Minute)}))

	rec, err := s.GetOTP(ctx, "a@X.io")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "111111", rec.Code)

	n, err := s.IncrementOTPAttempts(ctx, "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementOTPAttempts(ctx, "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.CreateOTP(ctx, &models.OTPRecord{Email: "a@x.io", Code: "222222", ExpiresAt: c.Now().Add(5 * time.Minute)}))
	rec, _ = s.GetOTP(ctx, "a@x.io")
	assert.Equal(t, "222222", rec.Code)
	assert.Equal(t, 0, rec.Attempts)

	require.NoError(t, s.DeleteOTP(ctx, "a@x.io"))
	rec, err = s.GetOTP(ctx, "a@x.io")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = s.IncrementOTPAttempts(ctx, "a@x.io")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOTP_CodeRequestMarker(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	ctx := context.Background()

	at, err := s.CodeRequestedAt(ctx, "a@x.io")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	require.NoError(t, s.MarkCodeRequested(ctx, "A@x.io", c.Now(), time.Minute))
	at, err = s.CodeRequestedAt(ctx, "a@x.io")
	require.NoError(t, err)
	assert.True(t, at.Equal(c.Now()))

	c.Advance(2 * time.Minute)
	at, err = s.CodeRequestedAt(ctx, "a@x.io")
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}

func TestOTP_ExpiredRecordStillReadable(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	ctx := context.Background()

	require.NoError(t, s.CreateOTP(ctx, &models.OTPRecord{Email: "a@x.io", Code: "111111", ExpiresAt: c.Now().Add(5 * time.Minute)}))
	c.Advance(6 * time.Minute)

	rec, err := s.GetOTP(ctx, "a@x.io")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Expired(c.Now()))
}

func TestCleanup_RemovesExpired(t *testing.T) {
	c := newClock()
	mem := storage.NewMemoryWithClock(c.Now)
	s := newTestStore(t, noTTL{mem}, c)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "old", UserID: "u1", ExpiresAt: c.Now().Add(time.Minute)}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "live", UserID: "u1", ExpiresAt: c.Now().Add(time.Hour)}))
	require.NoError(t, s.CreateOTP(ctx, &models.OTPRecord{Email: "a@x.io", Code: "1", ExpiresAt: c.Now().Add(time.Minute)}))
	require.NoError(t, s.CreateOTP(ctx, &models.OTPRecord{Email: "b@x.io", Code: "2", ExpiresAt: c.Now().Add(time.Hour)}))

	c.Advance(10 * time.Minute)
	res, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sessions)
	assert.Equal(t, 1, res.OTPs)

	keys, err := mem.List(ctx, "sessions:")
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions:live"}, keys)
	keys, err = mem.List(ctx, "otps:")
	require.NoError(t, err)
	assert.Equal(t, []string{"otps:b@x.io"}, keys)
}

func TestRetry_TransientStorageFailures(t *testing.T) {
	c := newClock()
	st := &flaky{Storage: storage.NewMemoryWithClock(c.Now), failures: 2}
	s := newTestStore(t, st, c)

	require.NoError(t, s.CreateOTP(context.Background(), &models.OTPRecord{Email: "a@x.io", Code: "1", ExpiresAt: c.Now().Add(time.Minute)}))
	assert.Equal(t, 3, st.calls)
}

func TestRetry_PersistentFailureIsStorageError(t *testing.T) {
	c := newClock()
	st := &flaky{Storage: storage.NewMemoryWithClock(c.Now), failures: 100}
	s := newTestStore(t, st, c)

	err := s.CreateOTP(context.Background(), &models.OTPRecord{Email: "a@x.io", Code: "1", ExpiresAt: c.Now().Add(time.Minute)})
	assert.ErrorIs(t, err, apperr.ErrStorage)
	assert.Equal(t, 3, st.calls)
}

func TestStartCleanup_StopsWithContext(t *testing.T) {
	c := newClock()
	mem := storage.NewMemoryWithClock(c.Now)
	s := newTestStore(t, noTTL{mem}, c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "old", UserID: "u1", ExpiresAt: c.Now().Add(time.Minute)}))
	c.Advance(time.Hour)

	s.StartCleanup(ctx, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		keys, _ := mem.List(context.Background(), "sessions:")
		return len(keys) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHealthCheck(t *testing.T) {
	c := newClock()
	s := newTestStore(t, storage.NewMemoryWithClock(c.Now), c)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
