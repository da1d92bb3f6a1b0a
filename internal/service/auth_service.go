package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wace-auth/internal/apperr"
	"wace-auth/internal/audit"
	"wace-auth/internal/hashing"
	"wace-auth/internal/models"
	"wace-auth/internal/notifier"
	"wace-auth/internal/otp"
	"wace-auth/internal/ratelimit"
	"wace-auth/internal/retry"
	"wace-auth/internal/store"
	"wace-auth/internal/token"
	"wace-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultSessionTTL = 24 * time.Hour

	msgInvalidCredentials = "Invalid credentials"
	msgInvalidRefresh     = "Invalid or expired refresh token"
	msgInvalidCode        = "Invalid or expired verification code"
	msgCodeMaybeSent      = "If an account exists with this email, a verification code has been sent"
	msgSendFailed         = "Failed to send verification code"
)

// RequestMeta is what the transport knows about the caller.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type RegisterRequest struct {
	Email    string
	Password string
	Name     string
}

type LoginRequest struct {
	Email    string
	Password string
	// UseOTP defaults to true. Password login happens only when it is
	// explicitly false and a password is given.
	UseOTP *bool
}

// AuthResult is returned by every flow that ends in a new session.
type AuthResult struct {
	User         *models.PublicUser `json:"user"`
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
	ExpiresIn    int                `json:"expiresIn"`
	SessionID    string             `json:"-"`
	Message      string             `json:"message,omitempty"`
}

// CodeSent is returned when a verification code was (or may have been) sent.
type CodeSent struct {
	Message   string `json:"message"`
	Email     string `json:"email"`
	ExpiresIn int    `json:"expiresIn"`
}

// LoginResult holds exactly one of Session or Code.
type LoginResult struct {
	Session *AuthResult
	Code    *CodeSent
}

type Options struct {
	SessionTTL time.Duration
	Policy     retry.Policy
	// Production disables ClearRateLimits.
	Production bool
}

// AuthService composes the hasher, token manager, OTP engine, rate limiter
// and store into the register, login, verify, refresh and logout flows.
type AuthService struct {
	store    *store.Store
	hasher   *hashing.Hasher
	tokens   *token.Manager
	otp      *otp.Engine
	limiter  *ratelimit.Limiter
	notifier notifier.Notifier
	audit    audit.Recorder

	sessionTTL time.Duration
	policy     retry.Policy
	production bool
	now        func() time.Time
	logger     *zap.Logger

	// background notifications
	wg sync.WaitGroup
}

func NewAuthService(
	st *store.Store,
	hasher *hashing.Hasher,
	tokens *token.Manager,
	otpEngine *otp.Engine,
	limiter *ratelimit.Limiter,
	n notifier.Notifier,
	rec audit.Recorder,
	opts Options,
	logger *zap.Logger,
) *AuthService {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = util.Named("auth")
	}
	return &AuthService{
		store:      st,
		hasher:     hasher,
		tokens:     tokens,
		otp:        otpEngine,
		limiter:    limiter,
		notifier:   n,
		audit:      rec,
		sessionTTL: opts.SessionTTL,
		policy:     opts.Policy,
		production: opts.Production,
		now:        time.Now,
		logger:     logger,
	}
}

// ===================== REGISTER =====================

// Register creates an unverified account and signs it in. The welcome
// message is sent in the background.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest, meta RequestMeta) (*AuthResult, error) {
	if err := s.chargeRegistration(ctx, meta); err != nil {
		return nil, err
	}

	email := util.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, apperr.Validation("Email and password are required")
	}
	if !util.IsValidEmail(email) {
		return nil, apperr.Validation("Invalid email format")
	}
	if strength := hashing.ValidateStrength(req.Password); !strength.IsValid {
		return nil, apperr.Validation("Password does not meet requirements", strength.Errors...)
	}
	if util.ContainsSuspicious(req.Name) {
		return nil, apperr.Validation("Name contains invalid characters")
	}

	exists, err := s.store.UserExists(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.New(apperr.KindConflict, "User with this email already exists")
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "Internal server error", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = util.EmailLocalPart(email)
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         util.SanitizeInput(name),
		PasswordHash: hash,
		Role:         models.RoleUser,
		IsVerified:   false,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	result, err := s.issueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	result.Message = "Registration successful"

	s.notifyAsync(user.Email, notifier.AlertWelcome, map[string]string{"userName": user.Name})
	s.record(ctx, models.SecurityEvent{
		Type:      models.EventUserRegistered,
		UserID:    user.ID,
		Email:     user.Email,
		IPAddress: meta.IP,
		SessionID: result.SessionID,
	})

	s.logger.Info("User registered", zap.String("user_id", user.ID))
	return result, nil
}

// RejectRegistration charges the registration bucket for a request the
// transport refused before Register ran. It returns a RateLimited error once
// the bucket is exhausted, and nil otherwise.
func (s *AuthService) RejectRegistration(ctx context.Context, meta RequestMeta) error {
	return s.chargeRegistration(ctx, meta)
}

func (s *AuthService) chargeRegistration(ctx context.Context, meta RequestMeta) error {
	if res := s.limiter.Check(ratelimit.RuleRegistrationIP, meta.IP, ratelimit.OutcomeUnknown); !res.Allowed {
		s.recordRateLimited(ctx, ratelimit.RuleRegistrationIP, "", meta.IP)
		return apperr.RateLimited("Too many registration attempts", res.RetryAfter)
	}
	return nil
}

// ===================== LOGIN =====================

// Login starts an OTP login, or completes a password login when req.UseOTP
// is false. Unknown emails get the same answer as known ones.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, meta RequestMeta) (*LoginResult, error) {
	email := util.NormalizeEmail(req.Email)
	if email == "" {
		return nil, apperr.Validation("Email is required")
	}

	if req.Password != "" && req.UseOTP != nil && !*req.UseOTP {
		session, err := s.passwordLogin(ctx, email, req.Password, meta)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Session: session}, nil
	}

	if res := s.limiter.CheckLogin(email, meta.IP, ratelimit.OutcomeUnknown); !res.Allowed {
		s.recordRateLimited(ctx, ratelimit.RuleLoginEmail, email, meta.IP)
		return nil, apperr.RateLimited("Too many login attempts", res.RetryAfter())
	}

	code, err := s.sendCodeIfUser(ctx, email, meta)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Code: code}, nil
}

// passwordLogin charges both login buckets as a failure before the password
// is checked, so parallel guesses cannot outrun the limit. A correct password
// refunds the charge.
func (s *AuthService) passwordLogin(ctx context.Context, email, password string, meta RequestMeta) (*AuthResult, error) {
	if res := s.limiter.CheckLogin(email, meta.IP, ratelimit.OutcomeFailure); !res.Allowed {
		s.recordRateLimited(ctx, ratelimit.RuleLoginEmail, email, meta.IP)
		return nil, apperr.RateLimited("Too many login attempts", res.RetryAfter())
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PasswordHash == "" || !s.hasher.Verify(password, user.PasswordHash) {
		s.record(ctx, models.SecurityEvent{
			Type:      models.EventLoginFailed,
			Email:     email,
			IPAddress: meta.IP,
			Details:   "password",
		})
		return nil, apperr.New(apperr.KindInvalidCredentials, msgInvalidCredentials)
	}
	s.limiter.RefundLogin(email, meta.IP)

	result, err := s.issueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	result.Message = "Login successful"

	s.notifyAsync(user.Email, notifier.AlertLoginAlert, map[string]string{
		"deviceInfo": util.DeviceInfo(meta.UserAgent),
		"ipAddress":  meta.IP,
	})
	s.recordLogin(ctx, user, meta, result.SessionID, "password")
	return result, nil
}

// ResendOTP issues a fresh code. The answer never reveals whether the email is registered.
func (s *AuthService) ResendOTP(ctx context.Context, email string, meta RequestMeta) (*CodeSent, error) {
	email = util.NormalizeEmail(email)
	if email == "" {
		return nil, apperr.Validation("Email is required")
	}
	return s.sendCodeIfUser(ctx, email, meta)
}

// sendCodeIfUser applies the generation limit and the resend cooldown before
// looking the email up, so known and unknown emails are throttled alike.
func (s *AuthService) sendCodeIfUser(ctx context.Context, email string, meta RequestMeta) (*CodeSent, error) {
	sent := &CodeSent{
		Message:   msgCodeMaybeSent,
		Email:     email,
		ExpiresIn: int(otp.Expiry.Seconds()),
	}

	if res := s.limiter.Check(ratelimit.RuleOTPGeneration, email, ratelimit.OutcomeUnknown); !res.Allowed {
		s.recordRateLimited(ctx, ratelimit.RuleOTPGeneration, email, meta.IP)
		return nil, apperr.RateLimited(fmt.Sprintf("Please wait %d seconds before requesting a new code", res.RetryAfter), res.RetryAfter)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		if err := s.otp.Throttle(ctx, email); err != nil {
			return nil, err
		}
		s.logger.Debug("Code requested for unknown email")
		return sent, nil
	}

	code, err := s.otp.Create(ctx, email)
	if err != nil {
		return nil, err
	}

	cc := notifier.CodeContext{
		UserName:   user.Name,
		DeviceInfo: util.DeviceInfo(meta.UserAgent),
		IPAddress:  meta.IP,
	}
	err = retry.Do(ctx, s.policy, "notifier.send_code", func(ctx context.Context) error {
		return s.notifier.SendCode(ctx, email, code, cc)
	})
	if err != nil {
		// Drop the undelivered code so the user can ask again without the cooldown.
		if cerr := s.otp.Cancel(ctx, email); cerr != nil {
			s.logger.Warn("Failed to cancel undelivered code", zap.Error(cerr))
		}
		s.logger.Error("Failed to send verification code", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindNotifier, msgSendFailed, err)
	}
	return sent, nil
}

// ===================== VERIFY OTP =====================

// VerifyOTP completes an OTP login and marks the account verified.
func (s *AuthService) VerifyOTP(ctx context.Context, email, code string, meta RequestMeta) (*AuthResult, error) {
	email = util.NormalizeEmail(email)
	if email == "" || code == "" {
		return nil, apperr.Validation("Email and verification code are required")
	}
	clean := otp.CleanInput(code)
	if len(clean) != otp.CodeLength {
		return nil, apperr.Validation("Invalid verification code format")
	}

	// Charged as a failure up front and refunded on success.
	if res := s.chargeVerification(email, meta.IP); !res.Allowed {
		s.recordRateLimited(ctx, ratelimit.RuleOTPVerification, email, meta.IP)
		return nil, apperr.RateLimited("Too many verification attempts", res.RetryAfter)
	}

	ok, err := s.otp.Verify(ctx, email, clean)
	switch {
	case errors.Is(err, apperr.ErrAttemptsExhausted):
		s.record(ctx, models.SecurityEvent{
			Type:      models.EventOTPExhausted,
			Email:     email,
			IPAddress: meta.IP,
		})
		return nil, apperr.New(apperr.KindAttemptsExhausted, "Maximum verification attempts exceeded")
	case errors.Is(err, apperr.ErrExpired):
		return nil, apperr.New(apperr.KindExpired, "Verification code has expired")
	case errors.Is(err, apperr.ErrNotFound):
		ok = false
	case err != nil:
		return nil, err
	}

	if !ok {
		s.record(ctx, models.SecurityEvent{
			Type:      models.EventLoginFailed,
			Email:     email,
			IPAddress: meta.IP,
			Details:   "otp",
		})
		return nil, apperr.New(apperr.KindInvalidCredentials, msgInvalidCode)
	}
	s.refundVerification(email, meta.IP)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.New(apperr.KindInvalidCredentials, msgInvalidCode)
	}
	if !user.IsVerified {
		user, err = s.store.UpdateUser(ctx, user.ID, func(u *models.User) { u.IsVerified = true })
		if err != nil {
			return nil, err
		}
	}

	result, err := s.issueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}
	result.Message = "Login successful"
	s.recordLogin(ctx, user, meta, result.SessionID, "otp")
	return result, nil
}

// chargeVerification charges the verification bucket and both login buckets
// with a failed attempt. The result is allowed only if all three allow it; its
// RetryAfter is the longest hint.
func (s *AuthService) chargeVerification(email, ip string) ratelimit.Result {
	res := s.limiter.Check(ratelimit.RuleOTPVerification, email, ratelimit.OutcomeFailure)
	login := s.limiter.CheckLogin(email, ip, ratelimit.OutcomeFailure)
	if !login.Allowed {
		res.Allowed = false
		res.RetryAfter = max(res.RetryAfter, login.RetryAfter())
	}
	return res
}

func (s *AuthService) refundVerification(email, ip string) {
	s.limiter.Refund(ratelimit.RuleOTPVerification, email)
	s.limiter.RefundLogin(email, ip)
}

// ===================== REFRESH =====================

// Refresh rotates the session behind refreshToken. Presenting a refresh
// token that is no longer current revokes every session of its user.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, apperr.New(apperr.KindTokenInvalid, "No refresh token provided")
	}
	claims := s.tokens.VerifyRefresh(refreshToken)
	if claims == nil || claims.SessionID == "" {
		return nil, apperr.New(apperr.KindTokenInvalid, msgInvalidRefresh)
	}

	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		owner, err := s.store.RotatedOwner(ctx, claims.SessionID)
		if err != nil {
			return nil, err
		}
		if owner == "" {
			return nil, apperr.New(apperr.KindTokenInvalid, msgInvalidRefresh)
		}
		return nil, s.revokeOnReuse(ctx, owner, claims, meta)
	}
	if sess.UserID != claims.UserID {
		return nil, apperr.New(apperr.KindTokenInvalid, msgInvalidRefresh)
	}
	if subtle.ConstantTimeCompare([]byte(sess.RefreshToken), []byte(refreshToken)) != 1 {
		return nil, s.revokeOnReuse(ctx, sess.UserID, claims, meta)
	}

	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.New(apperr.KindTokenInvalid, msgInvalidRefresh)
	}

	// The successor is persisted before the old session is retired, so a
	// failed write leaves the presented refresh token current.
	result, err := s.issueSession(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	until := s.now().Add(s.tokens.RefreshTTL())
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	if err := s.store.MarkRotated(ctx, sess.ID, sess.UserID, until); err != nil {
		s.discardSession(ctx, result.SessionID)
		return nil, err
	}
	if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
		s.discardSession(ctx, result.SessionID)
		return nil, err
	}
	return result, nil
}

// discardSession drops a session that was issued but never handed out.
func (s *AuthService) discardSession(ctx context.Context, sessionID string) {
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to discard unissued session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *AuthService) revokeOnReuse(ctx context.Context, userID string, claims *token.Claims, meta RequestMeta) error {
	n, err := s.store.ClearUserSessions(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to revoke sessions after refresh token reuse",
			zap.String("user_id", userID), zap.Error(err))
	}

	s.logger.Warn("Refresh token reuse detected",
		zap.String("user_id", userID),
		zap.String("session_id", claims.SessionID),
		zap.Int("revoked", n),
	)
	s.record(ctx, models.SecurityEvent{
		Type:      models.EventRefreshReuseDetected,
		UserID:    userID,
		Email:     claims.Email,
		IPAddress: meta.IP,
		SessionID: claims.SessionID,
		Details:   fmt.Sprintf("revoked %d sessions", n),
	})
	if claims.Email != "" {
		s.notifyAsync(claims.Email, notifier.AlertSessionRevoked, map[string]string{"ipAddress": meta.IP})
	}
	return apperr.New(apperr.KindReuseDetected, "Invalid refresh token")
}

// ===================== LOGOUT / ME =====================

// Logout deletes whichever session the caller can prove. It never fails;
// storage errors are logged and the client credentials are cleared anyway.
func (s *AuthService) Logout(ctx context.Context, sessionID, accessToken, refreshToken string, meta RequestMeta) {
	ids := make([]string, 0, 3)
	if sessionID != "" {
		ids = append(ids, sessionID)
	}
	if claims := s.tokens.VerifyAccess(accessToken); claims != nil && claims.SessionID != "" {
		ids = append(ids, claims.SessionID)
	}
	if claims := s.tokens.VerifyRefresh(refreshToken); claims != nil && claims.SessionID != "" {
		ids = append(ids, claims.SessionID)
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := s.store.DeleteSession(ctx, id); err != nil {
			s.logger.Warn("Failed to delete session on logout", zap.String("session_id", id), zap.Error(err))
			continue
		}
		s.record(ctx, models.SecurityEvent{Type: models.EventLogout, SessionID: id, IPAddress: meta.IP})
	}
}

// Me resolves the caller from an access token, falling back to the session
// cookie. It returns nil, nil when neither identifies a live session.
func (s *AuthService) Me(ctx context.Context, accessToken, sessionID string) (*models.PublicUser, error) {
	if claims := s.tokens.VerifyAccess(accessToken); claims != nil && claims.SessionID != "" {
		sessionID = claims.SessionID
	}
	if sessionID == "" {
		return nil, nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil || user == nil {
		return nil, err
	}
	return user.Public(), nil
}

// ClearRateLimits resets the registration, OTP and login buckets for email
// and ip. It is refused in production.
func (s *AuthService) ClearRateLimits(email, ip string) error {
	if s.production {
		return apperr.New(apperr.KindNotFound, "Not found")
	}
	email = util.NormalizeEmail(email)
	if email == "" {
		return apperr.Validation("Email is required")
	}

	s.limiter.Reset(ratelimit.RuleRegistrationIP, ip)
	s.limiter.Reset(ratelimit.RuleOTPGeneration, email)
	s.limiter.Reset(ratelimit.RuleOTPVerification, email)
	s.limiter.Reset(ratelimit.RuleLoginEmail, email)
	s.limiter.Reset(ratelimit.RuleLoginIP, ip)
	return nil
}

// Wait blocks until background notifications have finished.
func (s *AuthService) Wait() {
	s.wg.Wait()
}

// ===================== HELPERS =====================

func (s *AuthService) issueSession(ctx context.Context, user *models.User, meta RequestMeta) (*AuthResult, error) {
	sessionID, err := token.GenerateSessionID()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "Internal server error", err)
	}

	pair, err := s.tokens.IssuePair(token.Claims{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      string(user.Role),
		SessionID: sessionID,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "Internal server error", err)
	}

	now := s.now().UTC()
	sess := &models.Session{
		ID:           sessionID,
		UserID:       user.ID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    now.Add(s.sessionTTL),
		CreatedAt:    now,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	return &AuthResult{
		User:         user.Public(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		SessionID:    sessionID,
	}, nil
}

// notifyAsync sends an alert without holding up the request. Failures are logged.
func (s *AuthService) notifyAsync(email string, kind notifier.AlertKind, details map[string]string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := retry.Do(context.Background(), s.policy, "notifier.send_alert", func(ctx context.Context) error {
			return s.notifier.SendAlert(ctx, email, kind, details)
		})
		if err != nil {
			s.logger.Warn("Failed to send notification",
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}()
}

func (s *AuthService) record(ctx context.Context, event models.SecurityEvent) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("Failed to record security event",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (s *AuthService) recordRateLimited(ctx context.Context, rule ratelimit.RuleType, email, ip string) {
	s.record(ctx, models.SecurityEvent{
		Type:      models.EventRateLimited,
		Email:     email,
		IPAddress: ip,
		Details:   string(rule),
	})
}

func (s *AuthService) recordLogin(ctx context.Context, user *models.User, meta RequestMeta, sessionID, method string) {
	s.record(ctx, models.SecurityEvent{
		Type:      models.EventLoginSucceeded,
		UserID:    user.ID,
		Email:     user.Email,
		IPAddress: meta.IP,
		SessionID: sessionID,
		Details:   method,
	})
}
