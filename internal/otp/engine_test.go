package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wace-auth/internal/apperr"
	"wace-auth/internal/bucketing"
	"wace-auth/internal/models"
	"wace-auth/internal/storage"
	"wace-auth/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *store.Store, *testClock) {
	t.Helper()
	c := &testClock{now: time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)}
	st := store.New(storage.NewMemoryWithClock(c.Now), store.WithClock(c.Now), store.WithLogger(zap.NewNop()))
	e := NewEngine(st)
	e.now = c.Now
	e.logger = zap.NewNop()
	return e, st, c
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestGenerate_SixUniformDigits(t *testing.T) {
	counts := make(map[byte]int)
	const rounds = 10000
	for i := 0; i < rounds; i++ {
		code, err := Generate()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for j := 0; j < len(code); j++ {
			require.True(t, code[j] >= '0' && code[j] <= '9')
			counts[code[j]]++
		}
	}

	expected := rounds * CodeLength / 10
	for d := byte('0'); d <= '9'; d++ {
		assert.InDelta(t, expected, counts[d], float64(expected)/10, "digit %c", d)
	}
}

func TestCreateAndVerify_SingleUse(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := e.Create(ctx, "founder@wace.io")
	require.NoError(t, err)

	ok, err := e.Verify(ctx, "founder@wace.io", code)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.Verify(ctx, "founder@wace.io", code)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreate_TooSoonCarriesRetryAfter(t *testing.T) {
	e, _, c := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)

	c.Advance(20 * time.Second)
	_, err = e.Create(ctx, "a@x.io")
	require.ErrorIs(t, err, apperr.ErrTooSoon)
	assert.Equal(t, 40, apperr.RetryAfterOf(err))
	assert.Contains(t, err.Error(), "40 seconds")
}

func TestCreate_ReplacesPreviousCode(t *testing.T) {
	e, _, c := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)

	c.Advance(ResendCooldown + time.Second)
	second, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)

	if first != second {
		ok, err := e.Verify(ctx, "a@x.io", first)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := e.Verify(ctx, "a@x.io", second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_AttemptsExhausted(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)

	for i := 0; i < MaxAttempts; i++ {
		ok, err := e.Verify(ctx, "a@x.io", wrongCode(code))
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := e.Verify(ctx, "a@x.io", code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperr.ErrAttemptsExhausted)

	_, err = e.Verify(ctx, "a@x.io", code)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerify_CountsAttemptBeforeCompare(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)

	_, err = e.Verify(ctx, "a@x.io", wrongCode(code))
	require.NoError(t, err)

	rec, err := st.GetOTP(ctx, "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)

	left, err := e.RemainingAttempts(ctx, "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, MaxAttempts-1, left)
}

// slowRepo adds latency to reads so concurrent callers overlap.
type slowRepo struct {
	Repository
	delay time.Duration
}

func (r slowRepo) GetOTP(ctx context.Context, email string) (*models.OTPRecord, error) {
	time.Sleep(r.delay)
	return r.Repository.GetOTP(ctx, email)
}

func TestVerify_ConcurrentGuessesRespectMaxAttempts(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)
	e.repo = slowRepo{Repository: st, delay: 2 * time.Millisecond}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		compared  int
		exhausted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.Verify(ctx, "a@x.io", wrongCode(code))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				assert.False(t, ok)
				compared++
			case errors.Is(err, apperr.ErrAttemptsExhausted):
				exhausted++
			default:
				assert.ErrorIs(t, err, apperr.ErrNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, MaxAttempts, compared)
	assert.Equal(t, 1, exhausted)

	_, err = e.Verify(ctx, "a@x.io", code)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestNewEngine_WithBucketing(t *testing.T) {
	st := store.New(storage.NewMemory(), store.WithLogger(zap.NewNop()))
	e := NewEngine(st, WithBucketing(bucketing.NewBucketingManager(4)))
	assert.Len(t, e.locks, 4)

	_, err := e.Create(context.Background(), "a@x.io")
	assert.NoError(t, err)
}

func TestThrottle_MatchesCreateCooldown(t *testing.T) {
	e, _, c := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Throttle(ctx, "ghost@x.io"))
	_, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)

	c.Advance(10 * time.Second)
	throttled := e.Throttle(ctx, "ghost@x.io")
	_, created := e.Create(ctx, "a@x.io")
	require.ErrorIs(t, throttled, apperr.ErrTooSoon)
	require.ErrorIs(t, created, apperr.ErrTooSoon)
	assert.Equal(t, created.Error(), throttled.Error())
	assert.Equal(t, 50, apperr.RetryAfterOf(throttled))

	c.Advance(ResendCooldown)
	assert.NoError(t, e.Throttle(ctx, "ghost@x.io"))
}

func TestVerify_Expired(t *testing.T) {
	e, _, c := newTestEngine(t)
	ctx := context.Background()

	code, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)

	c.Advance(Expiry + time.Second)
	ok, err := e.Verify(ctx, "a@x.io", code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperr.ErrExpired)

	_, err = e.Verify(ctx, "a@x.io", code)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerify_LengthMismatchIsFalse(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := e.Create(ctx, "a@x.io")
	require.NoError(t, err)

	ok, err := e.Verify(ctx, "a@x.io", code[:5])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendingHelpersAndCancel(t *testing.T) {
	e, _, c := newTestEngine(t)
	ctx := context.Background()

	pending, err := e.HasPending(ctx, "a@x.io")
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = e.Create(ctx, "a@x.io")
	require.NoError(t, err)
	c.Advance(time.Minute)

	pending, _ = e.HasPending(ctx, "a@x.io")
	assert.True(t, pending)
	remaining, _ := e.RemainingTime(ctx, "a@x.io")
	assert.Equal(t, 240, remaining)

	require.NoError(t, e.Cancel(ctx, "a@x.io"))
	pending, _ = e.HasPending(ctx, "a@x.io")
	assert.False(t, pending)
}

func TestCleanInput(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"123456", "123456"},
		{"123 456", "123456"},
		{" 12-34-56 ", "123456"},
		{"1234567890", "123456"},
		{"abc", ""},
		{"12a3", "123"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanInput(tt.in))
		})
	}
}

func TestValidFormatAndFormat(t *testing.T) {
	assert.True(t, ValidFormat("123 456"))
	assert.False(t, ValidFormat("12345"))
	assert.False(t, ValidFormat("12345a"))
	assert.Equal(t, "123 456", Format("123456"))
	assert.Equal(t, "12", Format("12"))
}
