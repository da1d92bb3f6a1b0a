// Package store owns the key layout for users, sessions and OTPs on top of a
// storage.Storage, with a write-through, read-repair cache in front.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wace-auth/internal/apperr"
	"wace-auth/internal/models"
	"wace-auth/internal/retry"
	"wace-auth/internal/storage"
	"wace-auth/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	usersPrefix        = "users:"
	usersEmailPrefix   = "users_email:"
	sessionsPrefix     = "sessions:"
	userSessionsPrefix = "user_sessions:"
	rotatedPrefix      = "rotated_sessions:"
	otpsPrefix         = "otps:"
	otpRequestsPrefix  = "otp_requests:"

	// otpGrace keeps expired OTP records readable for a while so
	// verification can report expiry rather than absence.
	otpGrace = 5 * time.Minute
)

func userKey(id string) string         { return usersPrefix + id }
func userEmailKey(email string) string { return usersEmailPrefix + normalizeEmail(email) }
func sessionKey(id string) string      { return sessionsPrefix + id }
func rotatedKey(id string) string      { return rotatedPrefix + id }
func otpKey(email string) string       { return otpsPrefix + normalizeEmail(email) }

func otpRequestKey(email string) string { return otpRequestsPrefix + normalizeEmail(email) }

func userSessionKey(userID, sessionID string) string {
	return userSessionsPrefix + userID + ":" + sessionID
}

func userSessionsPrefixFor(userID string) string {
	return userSessionsPrefix + userID + ":"
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type Store struct {
	storage storage.Storage
	cache   *cache
	policy  retry.Policy
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Store)

func WithPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(st storage.Storage, opts ...Option) *Store {
	s := &Store{
		storage: st,
		policy:  retry.DefaultPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = util.Named("store")
	}
	s.cache = newCache(s.now)
	return s
}

// ===================== STORAGE HELPERS =====================

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, s.policy, "storage.get", func(ctx context.Context) error {
		v, err := s.storage.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get", err)
	}
	return out, nil
}

// getJSON decodes key into dst. It reports false, nil when the key is absent.
func (s *Store) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, apperr.Wrap(apperr.KindStorage, "corrupt record", fmt.Errorf("failed to decode %s: %w", key, err))
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := retry.Do(ctx, s.policy, "storage.put", func(ctx context.Context) error {
		return s.storage.Put(ctx, key, value, ttl)
	})
	if err != nil {
		return apperr.Storage("put", err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.put(ctx, key, raw, ttl)
}

func (s *Store) delete(ctx context.Context, key string) error {
	err := retry.Do(ctx, s.policy, "storage.delete", func(ctx context.Context) error {
		return s.storage.Delete(ctx, key)
	})
	if err != nil {
		return apperr.Storage("delete", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := retry.Do(ctx, s.policy, "storage.list", func(ctx context.Context) error {
		k, err := s.storage.List(ctx, prefix)
		if err != nil {
			return err
		}
		keys = k
		return nil
	})
	if err != nil {
		return nil, apperr.Storage("list", err)
	}
	return keys, nil
}

// ttlUntil returns the storage ttl for a record expiring at t. It is at
// least one second so an almost-expired record is not stored forever.
func (s *Store) ttlUntil(t time.Time) time.Duration {
	return max(t.Sub(s.now()), time.Second)
}

// ===================== USERS =====================

// CreateUser stores u and its email index. It fails with Conflict when the
// email is already registered.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = normalizeEmail(u.Email)

	exists, err := s.UserExists(ctx, u.Email)
	if err != nil {
		return err
	}
	if exists {
		return apperr.New(apperr.KindConflict, "User with this email already exists")
	}

	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	if err := s.putJSON(ctx, userKey(u.ID), u, 0); err != nil {
		return err
	}
	if err := s.put(ctx, userEmailKey(u.Email), []byte(u.ID), 0); err != nil {
		return err
	}

	s.cacheUser(u)
	s.logger.Debug("User created", zap.String("user_id", u.ID))
	return nil
}

func (s *Store) cacheUser(u *models.User) {
	cp := *u
	s.cache.set(userKey(u.ID), &cp, userCacheTTL, time.Time{})
	s.cache.set(userEmailKey(u.Email), u.ID, userCacheTTL, time.Time{})
}

// GetUserByID returns nil, nil when no such user exists.
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	if v, ok := s.cache.get(userKey(id)); ok {
		cp := *v.(*models.User)
		return &cp, nil
	}

	var u models.User
	found, err := s.getJSON(ctx, userKey(id), &u)
	if err != nil || !found {
		return nil, err
	}

	s.cacheUser(&u)
	return &u, nil
}

// GetUserByEmail looks the user up case-insensitively. It returns nil, nil when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	id, err := s.userIDByEmail(ctx, email)
	if err != nil || id == "" {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) userIDByEmail(ctx context.Context, email string) (string, error) {
	key := userEmailKey(email)
	if v, ok := s.cache.get(key); ok {
		return v.(string), nil
	}

	raw, err := s.get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	id := string(raw)
	s.cache.set(key, id, userCacheTTL, time.Time{})
	return id, nil
}

func (s *Store) UserExists(ctx context.Context, email string) (bool, error) {
	id, err := s.userIDByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return id != "", nil
}

// UpdateUser applies mutate to the stored user and bumps UpdatedAt. ID,
// email and creation time are not changeable through this path.
func (s *Store) UpdateUser(ctx context.Context, id string, mutate func(*models.User)) (*models.User, error) {
	u, err := s.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.New(apperr.KindNotFound, "User not found")
	}

	origID, origEmail, origCreated := u.ID, u.Email, u.CreatedAt
	mutate(u)
	u.ID, u.Email, u.CreatedAt = origID, origEmail, origCreated
	u.UpdatedAt = s.now().UTC()

	if err := s.putJSON(ctx, userKey(u.ID), u, 0); err != nil {
		s.cache.delete(userKey(u.ID))
		return nil, err
	}
	s.cacheUser(u)
	return u, nil
}

// ===================== SESSIONS =====================

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now().UTC()
	}
	ttl := s.ttlUntil(sess.ExpiresAt)

	if err := s.putJSON(ctx, sessionKey(sess.ID), sess, ttl); err != nil {
		return err
	}
	if err := s.put(ctx, userSessionKey(sess.UserID, sess.ID), []byte(sess.ID), ttl); err != nil {
		return err
	}

	cp := *sess
	s.cache.set(sessionKey(sess.ID), &cp, sessionCacheTTL, sess.ExpiresAt)
	return nil
}

// GetSession returns nil, nil for unknown or expired sessions. Expired
// sessions are evicted along with their user index entry.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, nil
	}

	var sess *models.Session
	if v, ok := s.cache.get(sessionKey(id)); ok {
		cp := *v.(*models.Session)
		sess = &cp
	} else {
		var loaded models.Session
		found, err := s.getJSON(ctx, sessionKey(id), &loaded)
		if err != nil || !found {
			return nil, err
		}
		sess = &loaded
	}

	if sess.Expired(s.now()) {
		if err := s.removeSession(ctx, sess); err != nil {
			s.logger.Warn("Failed to evict expired session", zap.String("session_id", id), zap.Error(err))
		}
		return nil, nil
	}

	cp := *sess
	s.cache.set(sessionKey(id), &cp, sessionCacheTTL, sess.ExpiresAt)
	return sess, nil
}

func (s *Store) removeSession(ctx context.Context, sess *models.Session) error {
	s.cache.delete(sessionKey(sess.ID))
	if err := s.delete(ctx, sessionKey(sess.ID)); err != nil {
		return err
	}
	return s.delete(ctx, userSessionKey(sess.UserID, sess.ID))
}

// DeleteSession removes the session and its index entry. Unknown ids are a no-op.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	s.cache.delete(sessionKey(id))

	var sess models.Session
	found, err := s.getJSON(ctx, sessionKey(id), &sess)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return s.removeSession(ctx, &sess)
}

// GetUserSessions returns the user's live sessions. Index entries pointing
// at missing sessions are dropped.
func (s *Store) GetUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	keys, err := s.list(ctx, userSessionsPrefixFor(userID))
	if err != nil {
		return nil, err
	}

	sessions := make([]*models.Session, 0, len(keys))
	for _, key := range keys {
		sessionID := strings.TrimPrefix(key, userSessionsPrefixFor(userID))
		sess, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			if err := s.delete(ctx, key); err != nil {
				s.logger.Warn("Failed to drop dangling session index", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// ClearUserSessions deletes every session of userID and returns how many were removed.
func (s *Store) ClearUserSessions(ctx context.Context, userID string) (int, error) {
	keys, err := s.list(ctx, userSessionsPrefixFor(userID))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		sessionID := strings.TrimPrefix(key, userSessionsPrefixFor(userID))
		s.cache.delete(sessionKey(sessionID))
		if err := s.delete(ctx, sessionKey(sessionID)); err != nil {
			return removed, err
		}
		if err := s.delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}

	s.logger.Info("Cleared user sessions", zap.String("user_id", userID), zap.Int("count", removed))
	return removed, nil
}

// MarkRotated remembers that sessionID was replaced by a refresh, so a later
// replay of its refresh token can be told apart from an unknown session. The
// marker lives until the old refresh token would have expired.
func (s *Store) MarkRotated(ctx context.Context, sessionID, userID string, until time.Time) error {
	return s.put(ctx, rotatedKey(sessionID), []byte(userID), s.ttlUntil(until))
}

// RotatedOwner returns the user whose session sessionID was rotated out, or "".
func (s *Store) RotatedOwner(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}
	raw, err := s.get(ctx, rotatedKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ===================== OTPS =====================

// CreateOTP replaces any pending record for rec.Email.
func (s *Store) CreateOTP(ctx context.Context, rec *models.OTPRecord) error {
	rec.Email = normalizeEmail(rec.Email)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	key := otpKey(rec.Email)
	s.cache.delete(key)
	if err := s.putJSON(ctx, key, rec, s.ttlUntil(rec.ExpiresAt.Add(otpGrace))); err != nil {
		return err
	}

	cp := *rec
	s.cache.set(key, &cp, otpCacheTTL, rec.ExpiresAt)
	return nil
}

// GetOTP returns the pending record, which may already be past its expiry.
// It returns nil, nil when there is none.
func (s *Store) GetOTP(ctx context.Context, email string) (*models.OTPRecord, error) {
	key := otpKey(email)
	if v, ok := s.cache.get(key); ok {
		cp := *v.(*models.OTPRecord)
		return &cp, nil
	}

	var rec models.OTPRecord
	found, err := s.getJSON(ctx, key, &rec)
	if err != nil || !found {
		return nil, err
	}

	cp := rec
	s.cache.set(key, &cp, otpCacheTTL, rec.ExpiresAt)
	return &rec, nil
}

func (s *Store) DeleteOTP(ctx context.Context, email string) error {
	key := otpKey(email)
	s.cache.delete(key)
	return s.delete(ctx, key)
}

// IncrementOTPAttempts persists attempts+1 and returns the new count.
func (s *Store) IncrementOTPAttempts(ctx context.Context, email string) (int, error) {
	rec, err := s.GetOTP(ctx, email)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, apperr.New(apperr.KindNotFound, "No OTP found for this email")
	}

	rec.Attempts++
	key := otpKey(email)
	if err := s.putJSON(ctx, key, rec, s.ttlUntil(rec.ExpiresAt.Add(otpGrace))); err != nil {
		s.cache.delete(key)
		return 0, err
	}

	cp := *rec
	s.cache.set(key, &cp, otpCacheTTL, rec.ExpiresAt)
	return rec.Attempts, nil
}

// MarkCodeRequested records that a code was asked for at at. The marker
// expires after ttl.
func (s *Store) MarkCodeRequested(ctx context.Context, email string, at time.Time, ttl time.Duration) error {
	return s.put(ctx, otpRequestKey(email), []byte(at.UTC().Format(time.RFC3339Nano)), ttl)
}

// CodeRequestedAt returns when a code was last asked for, or the zero time.
func (s *Store) CodeRequestedAt(ctx context.Context, email string) (time.Time, error) {
	raw, err := s.get(ctx, otpRequestKey(email))
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.KindStorage, "corrupt record", fmt.Errorf("failed to decode %s: %w", otpRequestKey(email), err))
	}
	return at, nil
}

// ===================== CLEANUP =====================

type CleanupResult struct {
	Sessions    int   `json:"sessions"`
	OTPs        int   `json:"otps"`
	Purged      int64 `json:"purged"`
	CacheEvicts int   `json:"cacheEvicts"`
}

// Cleanup deletes expired sessions and OTPs. Sessions and OTPs are swept concurrently.
func (s *Store) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := s.sweepSessions(gctx)
		res.Sessions = n
		return err
	})
	g.Go(func() error {
		n, err := s.sweepOTPs(gctx)
		res.OTPs = n
		return err
	})
	if err := g.Wait(); err != nil {
		return res, err
	}

	if p, ok := s.storage.(storage.Purger); ok {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return res, apperr.Storage("purge", err)
		}
		res.Purged = n
	}
	res.CacheEvicts = s.cache.sweep()
	return res, nil
}

func (s *Store) sweepSessions(ctx context.Context) (int, error) {
	keys, err := s.list(ctx, sessionsPrefix)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, key := range keys {
		var sess models.Session
		found, err := s.getJSON(ctx, key, &sess)
		if err != nil {
			return removed, err
		}
		if !found || !sess.Expired(now) {
			continue
		}
		if err := s.removeSession(ctx, &sess); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) sweepOTPs(ctx context.Context) (int, error) {
	keys, err := s.list(ctx, otpsPrefix)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, key := range keys {
		var rec models.OTPRecord
		found, err := s.getJSON(ctx, key, &rec)
		if err != nil {
			return removed, err
		}
		if !found || !rec.Expired(now) {
			continue
		}
		s.cache.delete(key)
		if err := s.delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := s.Cleanup(ctx)
				if err != nil {
					s.logger.Warn("Store cleanup failed", zap.Error(err))
					continue
				}
				if res.Sessions > 0 || res.OTPs > 0 || res.Purged > 0 {
					s.logger.Info("Store cleanup",
						zap.Int("sessions", res.Sessions),
						zap.Int("otps", res.OTPs),
						zap.Int64("purged", res.Purged))
				}
			}
		}
	}()
}

func (s *Store) Close() error {
	return s.storage.Close()
}

// HealthCheck performs a storage round trip.
func (s *Store) HealthCheck(ctx context.Context) error {
	key := "health:" + s.now().UTC().Format(time.RFC3339Nano)
	if err := s.storage.Put(ctx, key, []byte("ok"), time.Minute); err != nil {
		return fmt.Errorf("storage put failed: %w", err)
	}
	if _, err := s.storage.Get(ctx, key); err != nil {
		return fmt.Errorf("storage get failed: %w", err)
	}
	return s.storage.Delete(ctx, key)
}
