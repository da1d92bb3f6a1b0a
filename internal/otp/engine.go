// Package otp issues and verifies the 6-digit email codes used for login.
//
// Per email there is at most one pending code. Verification counts every
// attempt before comparing, so a wrong guess always costs an attempt even if
// the caller disconnects. Create, Verify and Throttle are serialized per
// email within a process.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"wace-auth/internal/apperr"
	"wace-auth/internal/bucketing"
	"wace-auth/internal/models"
	"wace-auth/internal/util"

	"go.uber.org/zap"
)

const (
	CodeLength     = 6
	Expiry         = 5 * time.Minute
	MaxAttempts    = 5
	ResendCooldown = 60 * time.Second

	defaultLockShards = 64
)

// Repository is the persistence the engine needs. *store.Store satisfies it.
type Repository interface {
	CreateOTP(ctx context.Context, rec *models.OTPRecord) error
	GetOTP(ctx context.Context, email string) (*models.OTPRecord, error)
	DeleteOTP(ctx context.Context, email string) error
	IncrementOTPAttempts(ctx context.Context, email string) (int, error)
	MarkCodeRequested(ctx context.Context, email string, at time.Time, ttl time.Duration) error
	CodeRequestedAt(ctx context.Context, email string) (time.Time, error)
}

type Engine struct {
	repo      Repository
	bucketing *bucketing.BucketingManager
	locks     []sync.Mutex
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Engine)

// WithBucketing shares the bucketing manager that picks an email's lock.
func WithBucketing(bm *bucketing.BucketingManager) Option {
	return func(e *Engine) { e.bucketing = bm }
}

func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{repo: repo, now: time.Now, logger: util.Named("otp")}
	for _, opt := range opts {
		opt(e)
	}
	if e.bucketing == nil {
		e.bucketing = bucketing.NewBucketingManager(defaultLockShards)
	}
	e.locks = make([]sync.Mutex, e.bucketing.Buckets())
	return e
}

func (e *Engine) lock(email string) func() {
	mu := &e.locks[e.bucketing.Bucket(util.NormalizeEmail(email))]
	mu.Lock()
	return mu.Unlock
}

// cooldown fails with TooSoon while issuedAt is younger than ResendCooldown.
func cooldown(issuedAt, now time.Time) error {
	if issuedAt.IsZero() {
		return nil
	}
	if remaining := ResendCooldown - now.Sub(issuedAt); remaining > 0 {
		wait := int(math.Ceil(remaining.Seconds()))
		return apperr.TooSoon(fmt.Sprintf("Please wait %d seconds before requesting a new OTP", wait), wait)
	}
	return nil
}

// Generate returns CodeLength digits, each drawn uniformly from crypto/rand.
func Generate() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	ten := big.NewInt(10)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate otp digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// Create issues a fresh code for email, replacing any pending one. It fails
// with TooSoon while the previous code is younger than ResendCooldown.
func (e *Engine) Create(ctx context.Context, email string) (string, error) {
	unlock := e.lock(email)
	defer unlock()

	existing, err := e.repo.GetOTP(ctx, email)
	if err != nil {
		return "", err
	}

	now := e.now()
	if existing != nil {
		if err := cooldown(existing.ExpiresAt.Add(-Expiry), now); err != nil {
			return "", err
		}
	}

	code, err := Generate()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "Failed to generate OTP", err)
	}

	rec := &models.OTPRecord{
		Email:     email,
		Code:      code,
		ExpiresAt: now.Add(Expiry).UTC(),
		CreatedAt: now.UTC(),
	}
	if err := e.repo.CreateOTP(ctx, rec); err != nil {
		return "", err
	}

	e.logger.Debug("OTP created", zap.Time("expires_at", rec.ExpiresAt))
	return code, nil
}

// Throttle applies the resend cooldown to an email that is not sent a code,
// failing with TooSoon on the same schedule Create does.
func (e *Engine) Throttle(ctx context.Context, email string) error {
	unlock := e.lock(email)
	defer unlock()

	last, err := e.repo.CodeRequestedAt(ctx, email)
	if err != nil {
		return err
	}
	now := e.now()
	if err := cooldown(last, now); err != nil {
		return err
	}
	return e.repo.MarkCodeRequested(ctx, email, now.UTC(), ResendCooldown)
}

// Verify checks code against the pending record for email. A wrong code
// returns false, nil and leaves the record in place with one more attempt
// counted.
func (e *Engine) Verify(ctx context.Context, email, code string) (bool, error) {
	unlock := e.lock(email)
	defer unlock()

	rec, err := e.repo.GetOTP(ctx, email)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, apperr.New(apperr.KindNotFound, "OTP not found or expired")
	}

	if rec.Expired(e.now()) {
		if err := e.repo.DeleteOTP(ctx, email); err != nil {
			e.logger.Warn("Failed to delete expired OTP", zap.Error(err))
		}
		return false, apperr.New(apperr.KindExpired, "OTP has expired")
	}

	if rec.Attempts >= MaxAttempts {
		if err := e.repo.DeleteOTP(ctx, email); err != nil {
			e.logger.Warn("Failed to delete exhausted OTP", zap.Error(err))
		}
		return false, apperr.New(apperr.KindAttemptsExhausted, "Maximum OTP verification attempts exceeded")
	}

	attempts, err := e.repo.IncrementOTPAttempts(ctx, email)
	if err != nil {
		return false, err
	}
	if attempts > MaxAttempts {
		if err := e.repo.DeleteOTP(ctx, email); err != nil {
			e.logger.Warn("Failed to delete exhausted OTP", zap.Error(err))
		}
		return false, apperr.New(apperr.KindAttemptsExhausted, "Maximum OTP verification attempts exceeded")
	}

	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		return false, nil
	}

	if err := e.repo.DeleteOTP(ctx, email); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel discards any pending code for email.
func (e *Engine) Cancel(ctx context.Context, email string) error {
	unlock := e.lock(email)
	defer unlock()
	return e.repo.DeleteOTP(ctx, email)
}

// HasPending reports whether an unexpired code exists for email.
func (e *Engine) HasPending(ctx context.Context, email string) (bool, error) {
	rec, err := e.repo.GetOTP(ctx, email)
	if err != nil || rec == nil {
		return false, err
	}
	return !rec.Expired(e.now()), nil
}

// RemainingTime is the whole seconds left before the pending code expires.
func (e *Engine) RemainingTime(ctx context.Context, email string) (int, error) {
	rec, err := e.repo.GetOTP(ctx, email)
	if err != nil || rec == nil {
		return 0, err
	}
	return max(0, int(rec.ExpiresAt.Sub(e.now()).Seconds())), nil
}

func (e *Engine) RemainingAttempts(ctx context.Context, email string) (int, error) {
	rec, err := e.repo.GetOTP(ctx, email)
	if err != nil || rec == nil {
		return 0, err
	}
	return max(0, MaxAttempts-rec.Attempts), nil
}

// CleanInput strips everything but digits and truncates to CodeLength.
func CleanInput(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			if b.Len() == CodeLength {
				break
			}
		}
	}
	return b.String()
}

// ValidFormat reports whether raw is exactly CodeLength digits once whitespace is removed.
func ValidFormat(raw string) bool {
	clean := strings.Join(strings.Fields(raw), "")
	if len(clean) != CodeLength {
		return false
	}
	for _, r := range clean {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Format splits a code for display, e.g. "123 456".
func Format(code string) string {
	if len(code) != CodeLength {
		return code
	}
	return code[:3] + " " + code[3:]
}
